package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
)

type fileDocument struct {
	DisabledAccounts []string `json:"disabled_accounts"`
}

// FileStore реализует DisabledStore поверх небольшого JSON-файла —
// вариант для установок без Redis.
type FileStore struct {
	mu       sync.Mutex
	path     string
	accounts map[string]bool
}

// NewFileStore открывает (или создает) файл записи. Повреждённый файл
// откладывается в .bak и запись начинается пустой: заблокировать старт
// из-за битого файла хуже, чем потерять его содержимое.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		accounts: make(map[string]bool),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла записи '%s': %w", path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("Файл записи '%s' повреждён (%v), переносится в %s.bak", path, err, path)
		if renameErr := os.Rename(path, path+".bak"); renameErr != nil {
			return nil, fmt.Errorf("не удалось отложить повреждённый файл записи: %w", renameErr)
		}
		return s, nil
	}
	for _, account := range doc.DisabledAccounts {
		if account != "" {
			s.accounts[account] = true
		}
	}
	return s, nil
}

// Add добавляет аккаунт и сразу переписывает файл.
func (s *FileStore) Add(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account] = true
	return s.saveLocked()
}

// Members возвращает все записанные аккаунты.
func (s *FileStore) Members(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.accounts))
	for account := range s.accounts {
		members = append(members, account)
	}
	sort.Strings(members)
	return members, nil
}

// Clear очищает запись и переписывает файл.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]bool)
	return s.saveLocked()
}

// Ping у файлового хранилища всегда успешен.
func (s *FileStore) Ping(_ context.Context) error { return nil }

// Close ничего не держит открытым.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) saveLocked() error {
	members := make([]string, 0, len(s.accounts))
	for account := range s.accounts {
		members = append(members, account)
	}
	sort.Strings(members)

	raw, err := json.Marshal(fileDocument{DisabledAccounts: members})
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи отключённых аккаунтов: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("ошибка записи файла '%s': %w", s.path, err)
	}
	return nil
}

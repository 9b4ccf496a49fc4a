package storage

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/redis/go-redis/v9"
)

const disabledAccountsKey = "iplimit:disabled_accounts"

// RedisStore реализует DisabledStore поверх одного множества в Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore создает хранилище и проверяет соединение.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}
	log.Println("Успешное подключение к Redis")
	return &RedisStore{client: client}, nil
}

// Add добавляет аккаунт в запись отключённых.
func (s *RedisStore) Add(ctx context.Context, account string) error {
	if err := s.client.SAdd(ctx, disabledAccountsKey, account).Err(); err != nil {
		return fmt.Errorf("ошибка записи отключённого аккаунта %s: %w", account, err)
	}
	return nil
}

// Members возвращает все записанные аккаунты.
func (s *RedisStore) Members(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, disabledAccountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения записи отключённых аккаунтов: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Clear очищает запись целиком.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, disabledAccountsKey).Err(); err != nil {
		return fmt.Errorf("ошибка очистки записи отключённых аккаунтов: %w", err)
	}
	return nil
}

// Ping проверяет соединение с Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединение.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

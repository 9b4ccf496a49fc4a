package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"log"
)

// Config хранит всю конфигурацию приложения, загруженную из JSON-документа.
// Документ читается на старте; единственный внешний писатель — админ-консоль.
type Config struct {
	PanelDomain   string `json:"PANEL_DOMAIN"`
	PanelUsername string `json:"PANEL_USERNAME"`
	PanelPassword string `json:"PANEL_PASSWORD"`

	CheckIntervalSeconds     int `json:"CHECK_INTERVAL"`
	TimeToActiveUsersSeconds int `json:"TIME_TO_ACTIVE_USERS"`

	GeneralLimit int            `json:"GENERAL_LIMIT"`
	SpecialLimit map[string]int `json:"SPECIAL_LIMIT"`
	ExceptUsers  []string       `json:"EXCEPT_USERS"`

	// IPLocation — код страны для гео-фильтра. Пустая строка выключает фильтр,
	// но сам ключ обязателен в документе (как в исходной конфигурации).
	IPLocation string `json:"IP_LOCATION"`

	NoiseThreshold   int `json:"NOISE_THRESHOLD"`
	PanelMaxAttempts int `json:"PANEL_MAX_ATTEMPTS"`

	BotToken string  `json:"BOT_TOKEN"`
	Admins   []int64 `json:"ADMINS"`

	RedisURL          string `json:"REDIS_URL"`
	DisabledUsersFile string `json:"DISABLED_USERS_FILE"`

	RabbitMQURL        string `json:"RABBITMQ_URL"`
	EventsExchangeName string `json:"EVENTS_EXCHANGE_NAME"`

	APIPort          string `json:"API_PORT"`
	InternalAPIToken string `json:"INTERNAL_API_TOKEN"`
}

// Ключи, без которых запуск невозможен.
var requiredKeys = []string{
	"PANEL_DOMAIN",
	"PANEL_USERNAME",
	"PANEL_PASSWORD",
	"CHECK_INTERVAL",
	"TIME_TO_ACTIVE_USERS",
	"IP_LOCATION",
	"GENERAL_LIMIT",
}

// Load читает и валидирует конфигурационный документ по указанному пути.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию '%s': %w", path, err)
	}

	// Сначала проверяем присутствие обязательных ключей в самом документе:
	// пустое значение (IP_LOCATION="") допустимо, отсутствие ключа — нет.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации '%s': %w", path, err)
	}
	for _, key := range requiredKeys {
		if _, ok := doc[key]; !ok {
			return nil, fmt.Errorf("в конфигурации отсутствует обязательный элемент '%s'", key)
		}
	}

	cfg := &Config{
		NoiseThreshold:     2,
		PanelMaxAttempts:   3,
		DisabledUsersFile:  ".disabled_accounts.json",
		EventsExchangeName: "iplimit_events",
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации '%s': %w", path, err)
	}

	cfg.PanelDomain = strings.TrimSpace(cfg.PanelDomain)
	cfg.IPLocation = strings.ToUpper(strings.TrimSpace(cfg.IPLocation))
	if cfg.PanelDomain == "" {
		return nil, fmt.Errorf("PANEL_DOMAIN не может быть пустым")
	}
	if cfg.CheckIntervalSeconds <= 0 {
		return nil, fmt.Errorf("CHECK_INTERVAL должен быть положительным, получено %d", cfg.CheckIntervalSeconds)
	}
	if cfg.TimeToActiveUsersSeconds <= 0 {
		return nil, fmt.Errorf("TIME_TO_ACTIVE_USERS должен быть положительным, получено %d", cfg.TimeToActiveUsersSeconds)
	}
	if cfg.GeneralLimit <= 0 {
		return nil, fmt.Errorf("GENERAL_LIMIT должен быть положительным, получено %d", cfg.GeneralLimit)
	}
	if cfg.NoiseThreshold < 0 {
		cfg.NoiseThreshold = 2
	}
	if cfg.PanelMaxAttempts <= 0 {
		cfg.PanelMaxAttempts = 3
	}

	return cfg, nil
}

// CheckInterval возвращает период цикла проверки.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// TimeToActiveUsers возвращает кулдаун перед повторным включением аккаунтов.
func (c *Config) TimeToActiveUsers() time.Duration {
	return time.Duration(c.TimeToActiveUsersSeconds) * time.Second
}

// ExceptSet возвращает множество исключённых аккаунтов.
func (c *Config) ExceptSet() map[string]bool {
	set := make(map[string]bool, len(c.ExceptUsers))
	for _, u := range c.ExceptUsers {
		u = strings.TrimSpace(u)
		if u != "" {
			set[u] = true
		}
	}
	return set
}

// LogSummary печатает сводку загруженной конфигурации (без секретов).
func (c *Config) LogSummary() {
	log.Printf("Конфигурация загружена. Панель: %s, общий лимит: %d", c.PanelDomain, c.GeneralLimit)
	log.Printf("Интервалы: check=%v, time_to_active=%v", c.CheckInterval(), c.TimeToActiveUsers())
	if len(c.SpecialLimit) > 0 {
		log.Printf("Загружены индивидуальные лимиты: %d аккаунтов", len(c.SpecialLimit))
	}
	if len(c.ExceptUsers) > 0 {
		log.Printf("Загружен список исключений: %d аккаунтов", len(c.ExceptUsers))
	}
	if c.IPLocation != "" {
		log.Printf("Гео-фильтр включен: %s", c.IPLocation)
	} else {
		log.Println("Гео-фильтр выключен (IP_LOCATION пуст)")
	}
	log.Printf("Шумовой фильтр: порог >%d повторов за окно", c.NoiseThreshold)
	if c.RedisURL != "" {
		log.Println("Хранилище отключённых аккаунтов: Redis")
	} else {
		log.Printf("Хранилище отключённых аккаунтов: файл %s", c.DisabledUsersFile)
	}
	log.Printf("Публикация событий: enabled=%t exchange=%s", c.RabbitMQURL != "", c.EventsExchangeName)
	log.Printf("Уведомления Telegram: token_set=%t admins=%d", strings.TrimSpace(c.BotToken) != "", len(c.Admins))
	if c.APIPort != "" {
		log.Printf("Статусный API включен на порту %s", c.APIPort)
	}
}

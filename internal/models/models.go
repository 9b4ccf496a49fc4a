package models

import "time"

// Observation — одно распознанное событие лога: аккаунт и IP источника.
// Живёт только до записи в таблицу активных аккаунтов.
type Observation struct {
	Account string
	IP      string
}

// AccountUsage — использование аккаунта за одно окно наблюдения
// после шумового фильтра.
type AccountUsage struct {
	Account string   `json:"account"`
	IPs     []string `json:"ips"`
}

// Event — событие для внешних потребителей (бот, блокировщики на хостах).
type Event struct {
	Type      string    `json:"type"` // "violation" | "reinstated"
	Account   string    `json:"account"`
	IPs       []string  `json:"ips,omitempty"`
	IPCount   int       `json:"ip_count,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Типы событий для Event.Type.
const (
	EventViolation  = "violation"
	EventReinstated = "reinstated"
)

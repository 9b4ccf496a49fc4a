package storage

import "context"

// DisabledStore — durable-запись аккаунтов, отключённых этим инструментом.
// Переживает рестарты процесса: при падении между disable и re-enable
// аккаунты поднимаются из записи на следующем старте.
type DisabledStore interface {
	Add(ctx context.Context, account string) error
	Members(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

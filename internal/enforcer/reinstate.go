package enforcer

import (
	"context"
	"errors"
	"log"
	"time"

	"iplimit/internal/models"
	"iplimit/internal/services/alerter"
	"iplimit/internal/services/panel"
	"iplimit/internal/services/publisher"
	"iplimit/internal/services/storage"
)

// Reinstater раз в кулдаун включает обратно все аккаунты из durable-записи.
// Повторное включение плоское: без перепроверки текущего числа IP — аккаунт,
// который продолжает нарушать, будет снова отключён следующим циклом проверки.
type Reinstater struct {
	panel  PanelAPI
	store  storage.DisabledStore
	notify alerter.Notifier
	events publisher.EventPublisher

	interval time.Duration
}

// NewReinstater создает цикл повторного включения. events может быть nil.
func NewReinstater(pc PanelAPI, store storage.DisabledStore, notify alerter.Notifier, events publisher.EventPublisher, interval time.Duration) *Reinstater {
	return &Reinstater{
		panel:    pc,
		store:    store,
		notify:   notify,
		events:   events,
		interval: interval,
	}
}

// Run выполняет циклы повторного включения до отмены контекста.
func (r *Reinstater) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RecoverOnStartup включает аккаунты, оставшиеся отключёнными после
// прошлого запуска. Вызывается один раз до старта основных циклов.
func (r *Reinstater) RecoverOnStartup(ctx context.Context) error {
	return r.runOnce(ctx)
}

// runOnce включает все аккаунты из записи и очищает её. Запись очищается
// даже при частичных сбоях: оставить её значило бы включать одни и те же
// аккаунты бесконечно, а не включённый сейчас аккаунт панель всё равно
// покажет админу как disabled.
func (r *Reinstater) runOnce(ctx context.Context) error {
	accounts, err := r.store.Members(ctx)
	if err != nil {
		log.Printf("Не удалось прочитать запись отключённых аккаунтов: %v", err)
		return nil
	}
	if len(accounts) == 0 {
		return nil
	}

	for _, account := range accounts {
		if err := r.panel.SetUserStatus(ctx, account, panel.StatusActive); err != nil {
			if errors.Is(err, panel.ErrAuthExhausted) {
				return err
			}
			log.Printf("Не удалось включить аккаунт %s: %v", account, err)
			continue
		}
		log.Printf("Enabled %s", account)
		if r.events != nil {
			event := models.Event{
				Type:      models.EventReinstated,
				Account:   account,
				Timestamp: time.Now().UTC(),
			}
			if err := r.events.PublishEvent(event); err != nil {
				log.Printf("Не удалось опубликовать событие %s для %s: %v", event.Type, account, err)
			}
		}
	}

	if err := r.store.Clear(ctx); err != nil {
		log.Printf("Не удалось очистить запись отключённых аккаунтов: %v", err)
	}
	return nil
}

package enforcer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"iplimit/internal/models"
	"iplimit/internal/services/alerter"
	"iplimit/internal/services/panel"
	"iplimit/internal/services/publisher"
	"iplimit/internal/services/storage"
	"iplimit/internal/tracker"
)

// PanelAPI — срез клиента панели, нужный циклу проверки.
type PanelAPI interface {
	SetUserStatus(ctx context.Context, account, status string) error
}

// Policy — действующие лимиты: общий, индивидуальные и список исключений.
type Policy struct {
	GeneralLimit int
	SpecialLimit map[string]int
	ExceptUsers  map[string]bool
	// NoiseThreshold — минимальное число повторов IP за окно; всё, что
	// встречается реже, считается шумом разбора и отбрасывается.
	NoiseThreshold int
}

// LimitFor возвращает лимит для аккаунта с учётом индивидуальных значений.
func (p Policy) LimitFor(account string) int {
	if limit, ok := p.SpecialLimit[account]; ok && limit > 0 {
		return limit
	}
	return p.GeneralLimit
}

// Enforcer раз в интервал забирает накопленное окно наблюдений,
// отфильтровывает шум и отключает аккаунты, превысившие лимит IP.
type Enforcer struct {
	tracker *tracker.Tracker
	panel   PanelAPI
	store   storage.DisabledStore
	notify  alerter.Notifier
	events  publisher.EventPublisher
	policy  Policy

	interval time.Duration
}

// New создает цикл проверки. events может быть nil — публикация событий опциональна.
func New(tr *tracker.Tracker, pc PanelAPI, store storage.DisabledStore, notify alerter.Notifier, events publisher.EventPublisher, policy Policy, interval time.Duration) *Enforcer {
	return &Enforcer{
		tracker:  tr,
		panel:    pc,
		store:    store,
		notify:   notify,
		events:   events,
		policy:   policy,
		interval: interval,
	}
}

// Run выполняет циклы проверки до отмены контекста.
func (e *Enforcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle обрабатывает одно окно наблюдения: окно атомарно забирается из
// таблицы и новые наблюдения сразу копятся в следующее. Ошибка отключения
// одного аккаунта не прерывает цикл — остальные нарушители обрабатываются.
func (e *Enforcer) RunCycle(ctx context.Context) {
	window := e.tracker.Drain()
	usage := applyNoiseFilter(window, e.policy.NoiseThreshold)
	if len(usage) == 0 {
		return
	}

	e.reportUsage(ctx, usage)

	for _, u := range usage {
		if e.policy.ExceptUsers[u.Account] {
			continue
		}
		limit := e.policy.LimitFor(u.Account)
		if len(u.IPs) <= limit {
			continue
		}

		msg := fmt.Sprintf("<b>Warning: </b>User %s has %d active ips. %v", u.Account, len(u.IPs), u.IPs)
		log.Println(msg)
		if err := e.notify.Notify(ctx, msg); err != nil {
			log.Printf("Ошибка отправки уведомления: %v", err)
		}

		if err := e.panel.SetUserStatus(ctx, u.Account, panel.StatusDisabled); err != nil {
			log.Printf("Не удалось отключить аккаунт %s: %v", u.Account, err)
			if nerr := e.notify.Notify(ctx, fmt.Sprintf("Failed to disable user %s: %v", u.Account, err)); nerr != nil {
				log.Printf("Ошибка отправки уведомления: %v", nerr)
			}
			continue
		}

		if err := e.store.Add(ctx, u.Account); err != nil {
			log.Printf("Не удалось записать отключённый аккаунт %s: %v", u.Account, err)
		}
		e.publish(models.Event{
			Type:      models.EventViolation,
			Account:   u.Account,
			IPs:       u.IPs,
			IPCount:   len(u.IPs),
			Limit:     limit,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (e *Enforcer) publish(event models.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishEvent(event); err != nil {
		log.Printf("Не удалось опубликовать событие %s для %s: %v", event.Type, event.Account, err)
	}
}

// reportUsage отправляет админам сводку по активным аккаунтам окна.
func (e *Enforcer) reportUsage(ctx context.Context, usage []models.AccountUsage) {
	var messages []string
	total := 0
	for _, u := range usage {
		line := fmt.Sprintf("<code>%s</code> with <code>%d</code> active ip ", u.Account, len(u.IPs))
		for _, ip := range u.IPs {
			line += fmt.Sprintf(" \n- %s", ip)
		}
		messages = append(messages, line)
		total += len(u.IPs)
	}
	messages = append(messages, fmt.Sprintf("---------\nCount Of All Active IPs: <b>%d</b>", total))

	for _, chunk := range alerter.ChunkMessages(messages, 100) {
		if err := e.notify.Notify(ctx, chunk); err != nil {
			log.Printf("Ошибка отправки сводки: %v", err)
		}
	}
}

// applyNoiseFilter оставляет для каждого аккаунта только IP, встретившиеся в
// окне строго больше threshold раз, и дедуплицирует их. Аккаунты, у которых
// после фильтра не осталось IP, выпадают из результата. Результат отсортирован
// по убыванию числа IP, при равенстве — по имени аккаунта.
func applyNoiseFilter(window map[string][]string, threshold int) []models.AccountUsage {
	var usage []models.AccountUsage
	for account, ips := range window {
		counts := make(map[string]int, len(ips))
		for _, ip := range ips {
			counts[ip]++
		}
		var kept []string
		for _, ip := range ips {
			if counts[ip] > threshold {
				kept = append(kept, ip)
				// Счётчик обнуляется, чтобы IP вошёл в результат один раз.
				counts[ip] = 0
			}
		}
		if len(kept) == 0 {
			continue
		}
		usage = append(usage, models.AccountUsage{Account: account, IPs: kept})
	}

	sort.Slice(usage, func(i, j int) bool {
		if len(usage[i].IPs) != len(usage[j].IPs) {
			return len(usage[i].IPs) > len(usage[j].IPs)
		}
		return usage[i].Account < usage[j].Account
	})
	return usage
}

package tracker

// Tracker — таблица активных аккаунтов текущего окна наблюдения:
// аккаунт -> список IP в порядке появления. Дубликаты сохраняются намеренно,
// на них опирается шумовой фильтр цикла проверки.
//
// Запись идёт конкурентно из всех стрим-воркеров; Drain атомарно забирает
// таблицу целиком, поэтому ни одно наблюдение не теряется и не попадает
// в два окна сразу.

import "sync"

type Tracker struct {
	mu       sync.Mutex
	accounts map[string][]string
}

// New создает пустую таблицу.
func New() *Tracker {
	return &Tracker{accounts: make(map[string][]string)}
}

// Record добавляет IP в список аккаунта, создавая запись при необходимости.
func (t *Tracker) Record(account, ip string) {
	t.mu.Lock()
	t.accounts[account] = append(t.accounts[account], ip)
	t.mu.Unlock()
}

// Drain атомарно возвращает таблицу целиком и начинает новое окно.
func (t *Tracker) Drain() map[string][]string {
	t.mu.Lock()
	drained := t.accounts
	t.accounts = make(map[string][]string)
	t.mu.Unlock()
	return drained
}

// Snapshot возвращает копию таблицы, не сбрасывая окно (для статусного API).
func (t *Tracker) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make(map[string][]string, len(t.accounts))
	for account, ips := range t.accounts {
		snapshot[account] = append([]string(nil), ips...)
	}
	return snapshot
}

// Len возвращает число аккаунтов в текущем окне.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accounts)
}

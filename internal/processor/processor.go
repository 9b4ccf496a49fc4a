package processor

import (
	"context"
	"net"
	"regexp"
	"strings"
	"sync"

	"iplimit/internal/models"
	"iplimit/internal/tracker"
)

var (
	// IPv6 в квадратных скобках проверяется первым: у таких строк
	// IPv4-паттерн может зацепить адрес назначения вместо источника.
	ipV6Pattern   = regexp.MustCompile(`\[([0-9a-fA-F:]+)\]:\d+\s+accepted`)
	ipV4Pattern   = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	emailPattern  = regexp.MustCompile(`email:\s*([A-Za-z0-9._%+-]+)`)
	accountPrefix = regexp.MustCompile(`^\d+\.`)
)

// Токены, которые email-паттерн выхватывает из служебных строк ядра.
// Совпадение с ними — ложный матч, а не аккаунт.
var noiseAccounts = map[string]bool{
	"API]":     true,
	"Found":    true,
	"(normal)": true,
	"timeout":  true,
	"EOF":      true,
	"address":  true,
	"INFO":     true,
	"request":  true,
}

// GeoClassifier определяет страну IP-адреса.
type GeoClassifier interface {
	Classify(ctx context.Context, ip string) (string, bool)
}

// Processor разбирает строки лога в наблюдения (аккаунт, IP) и пишет их
// в таблицу активных аккаунтов. Разбор best-effort: ложные пропуски
// допустимы, ложные срабатывания отсекаются маркером accepted и денилистами.
type Processor struct {
	geo     GeoClassifier
	tracker *tracker.Tracker
	// location — код страны гео-фильтра; пустая строка выключает фильтр.
	location string

	mu         sync.Mutex
	invalidIPs map[string]bool
	localIPs   map[string]bool
}

// New создает процессор. Денилист IP заранее содержит адреса публичных
// резолверов, которые ядро регулярно печатает в служебных строках.
func New(geo GeoClassifier, tr *tracker.Tracker, location string) *Processor {
	return &Processor{
		geo:      geo,
		tracker:  tr,
		location: strings.ToUpper(strings.TrimSpace(location)),
		invalidIPs: map[string]bool{
			"1.1.1.1": true,
			"8.8.8.8": true,
			"0.0.0.0": true,
		},
		localIPs: make(map[string]bool),
	}
}

// DenyIP навсегда исключает адрес из наблюдений (адреса нод и панели).
func (p *Processor) DenyIP(ip string) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	p.mu.Lock()
	p.invalidIPs[ip] = true
	p.mu.Unlock()
}

// ProcessChunk разбирает одно входящее сообщение стрима построчно
// и записывает принятые наблюдения. Возвращает число записанных.
func (p *Processor) ProcessChunk(ctx context.Context, chunk string) int {
	recorded := 0
	for _, line := range strings.Split(chunk, "\n") {
		obs, ok := p.parseLine(ctx, line)
		if !ok {
			continue
		}
		p.tracker.Record(obs.Account, obs.IP)
		recorded++
	}
	return recorded
}

func (p *Processor) parseLine(ctx context.Context, line string) (models.Observation, bool) {
	if !strings.Contains(line, "accepted") {
		return models.Observation{}, false
	}
	if strings.Contains(line, "BLOCK]") {
		return models.Observation{}, false
	}

	var ip string
	if m := ipV6Pattern.FindStringSubmatch(line); m != nil {
		ip = m[1]
	} else if m := ipV4Pattern.FindStringSubmatch(line); m != nil {
		ip = m[1]
	} else {
		return models.Observation{}, false
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.Observation{}, false
	}
	// Приватные адреса не считаются и не ходят в гео-сервисы.
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() || parsed.IsUnspecified() {
		return models.Observation{}, false
	}

	p.mu.Lock()
	denied := p.invalidIPs[ip]
	local := p.localIPs[ip]
	p.mu.Unlock()
	if denied {
		return models.Observation{}, false
	}

	if !local && p.location != "" {
		country, ok := p.geo.Classify(ctx, ip)
		switch {
		case ok && country != p.location:
			// Несовпадение страны навсегда исключает адрес.
			p.mu.Lock()
			p.invalidIPs[ip] = true
			p.mu.Unlock()
			return models.Observation{}, false
		case ok:
			p.mu.Lock()
			p.localIPs[ip] = true
			p.mu.Unlock()
		}
		// Неудачный лукап не кэшируется: наблюдение принимается,
		// следующая строка с этим IP попробует другой сервис.
	}

	m := emailPattern.FindStringSubmatch(line)
	if m == nil {
		return models.Observation{}, false
	}
	account := accountPrefix.ReplaceAllString(m[1], "")
	if account == "" || noiseAccounts[account] {
		return models.Observation{}, false
	}

	return models.Observation{Account: account, IP: ip}, true
}

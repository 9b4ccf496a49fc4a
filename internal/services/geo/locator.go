package geo

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Provider — один внешний сервис определения страны по IP.
type Provider struct {
	// URL с плейсхолдером {ip}.
	URL string
	// Key — JSON-ключ с кодом страны. Пустой ключ означает,
	// что сервис возвращает код страны простым текстом.
	Key string
}

// DefaultProviders возвращает набор бесплатных сервисов. Выбор случайного
// сервиса на каждый промах распределяет нагрузку между free-tier лимитами.
func DefaultProviders() []Provider {
	return []Provider{
		{URL: "http://ip-api.com/json/{ip}", Key: "countryCode"},
		{URL: "https://ipinfo.io/{ip}", Key: "country"},
		{URL: "https://api.iplocation.net/?ip={ip}", Key: "country_code2"},
		{URL: "https://ipapi.co/{ip}/country", Key: ""},
	}
}

// Locator определяет страну IP-адреса и навсегда кэширует успешные ответы.
// Неудачные запросы не кэшируются: следующий вызов попробует другой сервис.
type Locator struct {
	client    *http.Client
	providers []Provider

	mu    sync.Mutex
	cache map[string]string
}

// NewLocator создает локатор с указанными сервисами и таймаутом запроса.
func NewLocator(providers []Provider, timeout time.Duration) *Locator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Locator{
		client:    &http.Client{Timeout: timeout},
		providers: providers,
		cache:     make(map[string]string),
	}
}

// Classify возвращает код страны для IP. Второе значение false означает,
// что определить страну не удалось (таймаут, мусорный ответ).
func (l *Locator) Classify(ctx context.Context, ip string) (string, bool) {
	l.mu.Lock()
	if country, ok := l.cache[ip]; ok {
		l.mu.Unlock()
		return country, true
	}
	l.mu.Unlock()

	if len(l.providers) == 0 {
		return "", false
	}
	p := l.providers[rand.Intn(len(l.providers))]

	endpoint := strings.ReplaceAll(p.URL, "{ip}", url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", false
	}

	country := extractCountry(body, p.Key)
	if country == "" {
		return "", false
	}

	l.mu.Lock()
	l.cache[ip] = country
	l.mu.Unlock()
	return country, true
}

// CacheSize возвращает размер кэша (для статусного API).
func (l *Locator) CacheSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

func extractCountry(body []byte, key string) string {
	if key == "" {
		return strings.TrimSpace(string(body))
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

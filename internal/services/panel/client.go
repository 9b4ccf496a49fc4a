package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAuthExhausted — постоянная ошибка: все попытки аутентификации исчерпаны.
// Для вызывающего кода она фатальна: процесс перезапускается целиком.
var ErrAuthExhausted = errors.New("panel: не удалось получить токен после всех попыток")

// Статусы аккаунта на панели.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

const (
	tokenHTTPTimeout = 5 * time.Second
	apiHTTPTimeout   = 10 * time.Second
)

// Credentials — учётные данные панели.
type Credentials struct {
	Domain   string
	Username string
	Password string
}

// User — аккаунт панели.
type User struct {
	Username string `json:"username"`
	Status   string `json:"status,omitempty"`
}

// Node — нода панели.
type Node struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Client выполняет типизированные вызовы API панели. Токен запрашивается
// заново перед каждой операцией — панель инвалидирует его непредсказуемо,
// и кэширование между вызовами регрессирует устойчивость.
type Client struct {
	creds       Credentials
	maxAttempts int
	tokenClient *http.Client
	apiClient   *http.Client
	// schemes перебираются по порядку для каждого запроса.
	schemes []string
}

// NewClient создает клиента панели. maxAttempts ограничивает количество
// проходов по паре схем (https, затем http) для каждой операции.
func NewClient(creds Credentials, maxAttempts int) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	creds.Domain = strings.TrimRight(strings.TrimSpace(creds.Domain), "/")

	// Самоподписанные сертификаты на панелях — норма, проверка отключена.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	return &Client{
		creds:       creds,
		maxAttempts: maxAttempts,
		tokenClient: &http.Client{Timeout: tokenHTTPTimeout, Transport: transport},
		apiClient:   &http.Client{Timeout: apiHTTPTimeout, Transport: transport},
		schemes:     []string{"https", "http"},
	}
}

// Domain возвращает домен панели (для построения URL лог-стримов).
func (c *Client) Domain() string {
	return c.creds.Domain
}

// Token выполняет обмен учётных данных на bearer-токен: пара схем,
// ограниченное число попыток со случайной паузой между ними.
func (c *Client) Token(ctx context.Context) (string, error) {
	form := url.Values{
		"username": {c.creds.Username},
		"password": {c.creds.Password},
	}
	body := form.Encode()

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		for _, scheme := range c.schemes {
			endpoint := fmt.Sprintf("%s://%s/api/admin/token", scheme, c.creds.Domain)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
			if err != nil {
				return "", fmt.Errorf("panel: ошибка создания запроса токена: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := c.tokenClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				continue
			}
			payload, err := readBody(resp)
			if err != nil {
				log.Printf("[%d] %s", resp.StatusCode, strings.TrimSpace(string(payload)))
				continue
			}

			var tokenResp struct {
				AccessToken string `json:"access_token"`
			}
			if err := json.Unmarshal(payload, &tokenResp); err != nil || tokenResp.AccessToken == "" {
				log.Printf("Неожиданный ответ на запрос токена: %s", strings.TrimSpace(string(payload)))
				continue
			}
			return tokenResp.AccessToken, nil
		}
		if err := sleepBackoff(ctx); err != nil {
			return "", err
		}
	}

	log.Println("Не удалось получить токен. Убедитесь, что панель запущена и учётные данные верны.")
	return "", ErrAuthExhausted
}

// ListUsers возвращает список всех аккаунтов панели.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, fmt.Errorf("panel: не удалось получить список аккаунтов: %w", err)
	}
	return out.Users, nil
}

// ListNodes возвращает список нод с их статусами.
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	var out []Node
	if err := c.call(ctx, http.MethodGet, "/api/nodes", nil, &out); err != nil {
		return nil, fmt.Errorf("panel: не удалось получить список нод: %w", err)
	}
	return out, nil
}

// SetUserStatus выставляет статус аккаунта (active/disabled).
func (c *Client) SetUserStatus(ctx context.Context, account, status string) error {
	body := map[string]string{"status": status}
	path := "/api/user/" + url.PathEscape(account)
	if err := c.call(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("panel: не удалось выставить статус '%s' для %s: %w", status, account, err)
	}
	return nil
}

// call — общий цикл: свежий токен, затем запрос с перебором схем и
// ограниченным числом повторов.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	var encoded []byte
	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка сериализации тела запроса: %w", err)
		}
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		for _, scheme := range c.schemes {
			endpoint := fmt.Sprintf("%s://%s%s", scheme, c.creds.Domain, path)
			var reader io.Reader
			if encoded != nil {
				reader = bytes.NewReader(encoded)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
			if err != nil {
				return fmt.Errorf("ошибка создания запроса: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			if encoded != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.apiClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			payload, err := readBody(resp)
			if err != nil {
				log.Printf("[%d] %s", resp.StatusCode, strings.TrimSpace(string(payload)))
				continue
			}
			if out != nil {
				if err := json.Unmarshal(payload, out); err != nil {
					log.Printf("Неожиданный ответ панели на %s %s: %v", method, path, err)
					continue
				}
			}
			return nil
		}
		if err := sleepBackoff(ctx); err != nil {
			return err
		}
	}

	return fmt.Errorf("все попытки %s %s исчерпаны", method, path)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return payload, fmt.Errorf("статус %d", resp.StatusCode)
	}
	return payload, nil
}

// sleepBackoff делает случайную паузу между проходами по схемам,
// чтобы не долбить панель синхронно при массовых ретраях.
func sleepBackoff(ctx context.Context) error {
	delay := time.Duration(500+rand.Intn(1500)) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

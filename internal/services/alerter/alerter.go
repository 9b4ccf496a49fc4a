package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Notifier определяет интерфейс для отправки уведомлений админам.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// TelegramAlerter реализует Notifier через Bot API Telegram.
// Без токена или списка админов работает как no-op: уведомления —
// best-effort канал, их отсутствие не должно ломать обработку.
type TelegramAlerter struct {
	client  *http.Client
	apiBase string
	token   string
	admins  []int64
}

// NewTelegramAlerter создает уведомитель для указанных chat id.
func NewTelegramAlerter(token string, admins []int64) *TelegramAlerter {
	return &TelegramAlerter{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		apiBase: "https://api.telegram.org",
		token:   strings.TrimSpace(token),
		admins:  admins,
	}
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Notify отправляет сообщение каждому админу. Ошибка по одному получателю
// логируется и не мешает остальным.
func (a *TelegramAlerter) Notify(ctx context.Context, text string) error {
	if a.token == "" || len(a.admins) == 0 {
		log.Println("BOT_TOKEN/ADMINS не заданы, уведомление не отправляется")
		return nil
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", a.apiBase, a.token)
	for _, admin := range a.admins {
		body, err := json.Marshal(sendMessageRequest{
			ChatID:    admin,
			Text:      text,
			ParseMode: "HTML",
		})
		if err != nil {
			return fmt.Errorf("ошибка сериализации уведомления: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("ошибка создания запроса уведомления: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			log.Printf("Не удалось отправить уведомление админу %d: %v", admin, err)
			continue
		}
		if resp.StatusCode >= 400 {
			log.Printf("Telegram ответил ошибкой для админа %d: %s", admin, resp.Status)
		}
		resp.Body.Close()
	}
	return nil
}

// ChunkMessages объединяет сообщения пачками по size строк —
// провайдер режет слишком длинные сообщения.
func ChunkMessages(messages []string, size int) []string {
	if size <= 0 {
		size = 100
	}
	var chunks []string
	for i := 0; i < len(messages); i += size {
		end := i + size
		if end > len(messages) {
			end = len(messages)
		}
		chunks = append(chunks, strings.Join(messages[i:end], "\n"))
	}
	return chunks
}

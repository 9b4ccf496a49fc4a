package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"iplimit/internal/processor"
	"iplimit/internal/services/alerter"
	"iplimit/internal/services/panel"
)

const (
	panelRetryDelay = 20 * time.Second
	nodeRetryDelay  = 10 * time.Second
)

// Интервалы отдачи лога, которые понимает панель.
var streamIntervals = []string{"0.9", "1.3", "1.5", "1.7"}

// Target — цель стрим-воркера: панель (NodeID == 0) или конкретная нода.
type Target struct {
	NodeID   int64
	NodeName string
	Address  string
	Message  string
}

// IsPanel сообщает, что цель — центральная панель.
func (t Target) IsPanel() bool { return t.NodeID == 0 }

func (t Target) String() string {
	if t.IsPanel() {
		return "panel"
	}
	return fmt.Sprintf("node-%d-%s", t.NodeID, t.NodeName)
}

// Worker держит одно переподключающееся websocket-соединение с лог-эндпоинтом
// цели и скармливает каждое сообщение процессору. Переподключение бесконечное:
// недоступная цель опрашивается до отмены, а не выбрасывается.
type Worker struct {
	panel  *panel.Client
	proc   *processor.Processor
	notify alerter.Notifier
	target Target

	retryDelay time.Duration
	dialer     *websocket.Dialer
	// insecureOnly выставляется после провала TLS и больше не сбрасывается:
	// схема wss для этой цели не поддерживается, повторять её бессмысленно.
	insecureOnly bool
}

// NewWorker создает воркер для цели. Потеря панели заметнее и дороже в
// диагностике, поэтому её воркер ждёт перед повтором дольше, чем нодовый.
func NewWorker(pc *panel.Client, proc *processor.Processor, notify alerter.Notifier, target Target) *Worker {
	retry := nodeRetryDelay
	if target.IsPanel() {
		retry = panelRetryDelay
	}
	return &Worker{
		panel:  pc,
		proc:   proc,
		notify: notify,
		target: target,

		retryDelay: retry,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// Run работает до отмены контекста. Возвращает ошибку только при
// исчерпании попыток аутентификации — это фатально для всего процесса.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		token, err := w.panel.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		scheme := "wss"
		if w.insecureOnly {
			scheme = "ws"
		}

		conn, resp, err := w.dialer.DialContext(ctx, w.logURL(scheme, token), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !w.insecureOnly && isTLSFailure(err) {
				log.Printf("[%s] Схема wss недоступна (%v), переключаюсь на ws", w.target, err)
				w.insecureOnly = true
				continue
			}
			w.reportFailure(ctx, err)
			if !w.sleepRetry(ctx) {
				return nil
			}
			continue
		}

		w.reportEstablished(ctx)
		err = w.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.reportFailure(ctx, err)
		if !w.sleepRetry(ctx) {
			return nil
		}
	}
}

// readLoop читает сообщения до ошибки соединения или отмены. Отмена
// закрывает сокет и срабатывает только на блокирующем чтении — никогда
// посреди разбора сообщения.
func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.proc.ProcessChunk(ctx, string(data))
	}
}

func (w *Worker) logURL(scheme, token string) string {
	interval := streamIntervals[rand.Intn(len(streamIntervals))]
	if w.target.IsPanel() {
		return fmt.Sprintf("%s://%s/api/core/logs?interval=%s&token=%s",
			scheme, w.panelDomain(), interval, token)
	}
	return fmt.Sprintf("%s://%s/api/node/%d/logs?interval=%s&token=%s",
		scheme, w.panelDomain(), w.target.NodeID, interval, token)
}

func (w *Worker) panelDomain() string {
	return w.panel.Domain()
}

func (w *Worker) reportEstablished(ctx context.Context) {
	var msg string
	if w.target.IsPanel() {
		msg = "Establishing connection for the main panel"
	} else {
		msg = fmt.Sprintf("Establishing connection for node number %d name: %s",
			w.target.NodeID, w.target.NodeName)
	}
	log.Println(msg)
	if err := w.notify.Notify(ctx, msg); err != nil {
		log.Printf("Ошибка отправки уведомления: %v", err)
	}
}

func (w *Worker) reportFailure(ctx context.Context, cause error) {
	var msg string
	if w.target.IsPanel() {
		msg = fmt.Sprintf("[Main panel] Failed to connect %v trying %d second later!",
			cause, int(w.retryDelay.Seconds()))
	} else {
		msg = fmt.Sprintf("Failed to connect to this node [node id: %d] [node name: %s] [node ip: %s] [node message: %s] [Error Message: %v] trying to connect %d second later!",
			w.target.NodeID, w.target.NodeName, w.target.Address, w.target.Message, cause, int(w.retryDelay.Seconds()))
	}
	log.Println(msg)
	if err := w.notify.Notify(ctx, msg); err != nil {
		log.Printf("Ошибка отправки уведомления: %v", err)
	}
}

func (w *Worker) sleepRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.retryDelay):
		return true
	}
}

// isTLSFailure распознаёт провал именно защищённой схемы: plain-HTTP порт
// за wss даёт RecordHeaderError, кривой TLS — ошибки рукопожатия.
func isTLSFailure(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

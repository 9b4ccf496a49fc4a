package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"iplimit/internal/processor"
	"iplimit/internal/services/alerter"
	"iplimit/internal/services/panel"
)

const (
	addNodesInterval   = 25 * time.Second
	pruneNodesInterval = 20 * time.Second
)

// Ключ воркера панели в реестре. Ноды регистрируются по своему id.
const panelWorkerKey int64 = -1

// NodeLister возвращает текущий список нод панели.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]panel.Node, error)
}

type workerHandle struct {
	generation int
	name       string
	cancel     context.CancelFunc
	done       chan struct{}
}

// Supervisor управляет жизненным циклом стрим-воркеров: воркер панели живёт
// весь запуск, нодовые воркеры появляются и уходят вслед за списком нод.
// Нода, мигнувшая disconnected/connected между опросами, получает полностью
// новый воркер — состояние между поколениями не переносится.
type Supervisor struct {
	panel  *panel.Client
	nodes  NodeLister
	proc   *processor.Processor
	notify alerter.Notifier

	addInterval   time.Duration
	pruneInterval time.Duration

	mu          sync.Mutex
	workers     map[int64]*workerHandle
	generations int

	errCh chan error

	// runWorker вынесен в поле для подмены в тестах.
	runWorker func(ctx context.Context, target Target) error
}

// NewSupervisor создает супервизор воркеров.
func NewSupervisor(pc *panel.Client, proc *processor.Processor, notify alerter.Notifier) *Supervisor {
	s := &Supervisor{
		panel:         pc,
		nodes:         pc,
		proc:          proc,
		notify:        notify,
		addInterval:   addNodesInterval,
		pruneInterval: pruneNodesInterval,
		workers:       make(map[int64]*workerHandle),
		errCh:         make(chan error, 1),
	}
	s.runWorker = func(ctx context.Context, target Target) error {
		return NewWorker(pc, proc, notify, target).Run(ctx)
	}
	return s
}

// Run запускает воркер панели, затем до отмены контекста поддерживает
// реестр нодовых воркеров. Возвращает ошибку только при фатальном сбое
// (исчерпание аутентификации в одном из воркеров или при опросе нод).
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.stopAll()

	s.startWorker(ctx, panelWorkerKey, Target{NodeName: "panel"})
	if err := s.syncNewNodes(ctx); err != nil {
		return err
	}

	addTicker := time.NewTicker(s.addInterval)
	defer addTicker.Stop()
	pruneTicker := time.NewTicker(s.pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.errCh:
			return err
		case <-addTicker.C:
			if err := s.syncNewNodes(ctx); err != nil {
				return err
			}
		case <-pruneTicker.C:
			if err := s.pruneDisconnected(ctx); err != nil {
				return err
			}
		}
	}
}

// syncNewNodes запускает воркеры для подключённых нод без живого воркера.
func (s *Supervisor) syncNewNodes(ctx context.Context) error {
	nodes, err := s.nodes.ListNodes(ctx)
	if err != nil {
		if errors.Is(err, panel.ErrAuthExhausted) {
			return err
		}
		log.Printf("Ошибка получения списка нод: %v", err)
		return nil
	}

	for _, node := range nodes {
		if node.Status != "connected" {
			continue
		}
		s.mu.Lock()
		_, exists := s.workers[node.ID]
		s.mu.Unlock()
		if exists {
			continue
		}

		// Адрес ноды попадает в денилист: её собственный трафик в логах
		// не должен засчитываться аккаунтам.
		s.proc.DenyIP(node.Address)

		msg := fmt.Sprintf("Add a new node. id: %d name: %s ip: %s", node.ID, node.Name, node.Address)
		log.Println(msg)
		if err := s.notify.Notify(ctx, msg); err != nil {
			log.Printf("Ошибка отправки уведомления: %v", err)
		}

		s.startWorker(ctx, node.ID, Target{
			NodeID:   node.ID,
			NodeName: node.Name,
			Address:  node.Address,
			Message:  node.Message,
		})
	}
	return nil
}

// pruneDisconnected отменяет воркеры нод, выпавших из статуса connected.
func (s *Supervisor) pruneDisconnected(ctx context.Context) error {
	nodes, err := s.nodes.ListNodes(ctx)
	if err != nil {
		if errors.Is(err, panel.ErrAuthExhausted) {
			return err
		}
		log.Printf("Ошибка получения списка нод: %v", err)
		return nil
	}

	connected := make(map[int64]bool, len(nodes))
	for _, node := range nodes {
		if node.Status == "connected" {
			connected[node.ID] = true
		}
	}

	s.mu.Lock()
	var stale []*workerHandle
	for key, handle := range s.workers {
		if key == panelWorkerKey || connected[key] {
			continue
		}
		stale = append(stale, handle)
		delete(s.workers, key)
	}
	s.mu.Unlock()

	for _, handle := range stale {
		msg := fmt.Sprintf("Cancelling %s", handle.name)
		log.Println(msg)
		if err := s.notify.Notify(ctx, msg); err != nil {
			log.Printf("Ошибка отправки уведомления: %v", err)
		}
		handle.cancel()
	}
	return nil
}

func (s *Supervisor) startWorker(ctx context.Context, key int64, target Target) {
	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.generations++
	handle := &workerHandle{
		generation: s.generations,
		name:       target.String(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.workers[key] = handle
	s.mu.Unlock()

	go func() {
		err := s.runWorker(wctx, target)
		close(handle.done)
		if err != nil && wctx.Err() == nil {
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()
}

// stopAll отменяет все воркеры. Повторная отмена безопасна.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for key, handle := range s.workers {
		handles = append(handles, handle)
		delete(s.workers, key)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
		<-handle.done
	}
}

// WorkerNames возвращает имена живых воркеров (для статусного API).
func (s *Supervisor) WorkerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for _, handle := range s.workers {
		names = append(names, handle.name)
	}
	sort.Strings(names)
	return names
}

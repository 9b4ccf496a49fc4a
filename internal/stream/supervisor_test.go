package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iplimit/internal/processor"
	"iplimit/internal/services/panel"
	"iplimit/internal/tracker"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

type fakeLister struct {
	mu    sync.Mutex
	nodes []panel.Node
	err   error
}

func (f *fakeLister) ListNodes(context.Context) ([]panel.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]panel.Node(nil), f.nodes...), f.err
}

func (f *fakeLister) set(nodes []panel.Node) {
	f.mu.Lock()
	f.nodes = nodes
	f.mu.Unlock()
}

func newTestSupervisor(lister NodeLister) *Supervisor {
	s := &Supervisor{
		nodes:         lister,
		proc:          processor.New(nil, tracker.New(), ""),
		notify:        &fakeNotifier{},
		addInterval:   10 * time.Millisecond,
		pruneInterval: 10 * time.Millisecond,
		workers:       make(map[int64]*workerHandle),
		errCh:         make(chan error, 1),
	}
	s.runWorker = func(ctx context.Context, target Target) error {
		<-ctx.Done()
		return nil
	}
	return s
}

func (s *Supervisor) generationOf(key int64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.workers[key]
	if !ok {
		return 0, false
	}
	return handle.generation, true
}

func TestSupervisorStartsPanelAndNodeWorkers(t *testing.T) {
	lister := &fakeLister{nodes: []panel.Node{
		{ID: 1, Name: "node-de", Address: "203.0.113.10", Status: "connected"},
		{ID: 2, Name: "node-nl", Address: "203.0.113.20", Status: "disconnected"},
	}}
	s := newTestSupervisor(lister)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		names := s.WorkerNames()
		return len(names) == 2 && names[0] == "node-1-node-de" && names[1] == "panel"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, s.WorkerNames())
}

func TestSupervisorFlappingNodeGetsFreshWorker(t *testing.T) {
	lister := &fakeLister{nodes: []panel.Node{
		{ID: 1, Name: "node-de", Address: "203.0.113.10", Status: "connected"},
	}}
	s := newTestSupervisor(lister)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var firstGen int
	require.Eventually(t, func() bool {
		gen, ok := s.generationOf(1)
		firstGen = gen
		return ok
	}, time.Second, 5*time.Millisecond)

	// Нода пропадает: воркер снимается.
	lister.set([]panel.Node{
		{ID: 1, Name: "node-de", Address: "203.0.113.10", Status: "disconnected"},
	})
	require.Eventually(t, func() bool {
		_, ok := s.generationOf(1)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// Нода возвращается: воркер полностью новый, не реанимированный.
	lister.set([]panel.Node{
		{ID: 1, Name: "node-de", Address: "203.0.113.10", Status: "connected"},
	})
	require.Eventually(t, func() bool {
		gen, ok := s.generationOf(1)
		return ok && gen > firstGen
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorListErrorIsNotFatal(t *testing.T) {
	lister := &fakeLister{err: errors.New("panel unreachable")}
	s := newTestSupervisor(lister)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Несколько тиков с ошибкой опроса не роняют супервизор.
	time.Sleep(50 * time.Millisecond)
	names := s.WorkerNames()
	assert.Equal(t, []string{"panel"}, names)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorAuthExhaustedIsFatal(t *testing.T) {
	lister := &fakeLister{err: panel.ErrAuthExhausted}
	s := newTestSupervisor(lister)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, panel.ErrAuthExhausted)
}

func TestSupervisorFatalWorkerErrorStopsRun(t *testing.T) {
	lister := &fakeLister{}
	s := newTestSupervisor(lister)
	boom := errors.New("boom")
	s.runWorker = func(ctx context.Context, target Target) error {
		if target.IsPanel() {
			return boom
		}
		<-ctx.Done()
		return nil
	}

	err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

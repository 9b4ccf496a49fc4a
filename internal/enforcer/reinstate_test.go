package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iplimit/internal/models"
	"iplimit/internal/services/panel"
)

func TestRunOnceReinstatesAndClears(t *testing.T) {
	store := &fakeStore{accounts: []string{"alice", "bob"}}
	pc := &fakePanel{}
	events := &fakePublisher{}
	r := NewReinstater(pc, store, &fakeNotifier{}, events, time.Minute)

	require.NoError(t, r.runOnce(context.Background()))

	assert.ElementsMatch(t, []string{"alice", "bob"}, pc.callsFor("active"))
	members, _ := store.Members(context.Background())
	assert.Empty(t, members)

	require.Len(t, events.events, 2)
	for _, ev := range events.events {
		assert.Equal(t, models.EventReinstated, ev.Type)
	}
}

func TestRunOnceEmptyRecordIsNoop(t *testing.T) {
	pc := &fakePanel{}
	r := NewReinstater(pc, &fakeStore{}, &fakeNotifier{}, nil, time.Minute)

	require.NoError(t, r.runOnce(context.Background()))
	assert.Empty(t, pc.calls)
}

func TestRunOnceClearsDespitePartialFailure(t *testing.T) {
	store := &fakeStore{accounts: []string{"broken", "working"}}
	pc := &fakePanel{failFor: map[string]error{"broken": assert.AnError}}
	r := NewReinstater(pc, store, &fakeNotifier{}, nil, time.Minute)

	require.NoError(t, r.runOnce(context.Background()))

	// Запись очищается даже при частичном сбое, чтобы не включать
	// одни и те же аккаунты бесконечно.
	assert.Equal(t, []string{"working"}, pc.callsFor("active"))
	members, _ := store.Members(context.Background())
	assert.Empty(t, members)
}

func TestRunOnceAuthExhaustedIsFatal(t *testing.T) {
	store := &fakeStore{accounts: []string{"alice"}}
	pc := &fakePanel{failFor: map[string]error{"alice": panel.ErrAuthExhausted}}
	r := NewReinstater(pc, store, &fakeNotifier{}, nil, time.Minute)

	err := r.runOnce(context.Background())
	require.ErrorIs(t, err, panel.ErrAuthExhausted)

	// Фатальная ошибка прерывает цикл до очистки записи.
	members, _ := store.Members(context.Background())
	assert.Equal(t, []string{"alice"}, members)
}

func TestRecoverOnStartup(t *testing.T) {
	store := &fakeStore{accounts: []string{"leftover"}}
	pc := &fakePanel{}
	r := NewReinstater(pc, store, &fakeNotifier{}, nil, time.Minute)

	require.NoError(t, r.RecoverOnStartup(context.Background()))
	assert.Equal(t, []string{"leftover"}, pc.callsFor("active"))
}

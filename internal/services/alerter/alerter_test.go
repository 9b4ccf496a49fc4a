package alerter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifySendsToAllAdmins(t *testing.T) {
	var mu sync.Mutex
	var got []sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := NewTelegramAlerter("test-token", []int64{111, 222})
	a.apiBase = srv.URL

	require.NoError(t, a.Notify(context.Background(), "<b>hello</b>"))

	require.Len(t, got, 2)
	chats := []int64{got[0].ChatID, got[1].ChatID}
	assert.ElementsMatch(t, []int64{111, 222}, chats)
	assert.Equal(t, "<b>hello</b>", got[0].Text)
	assert.Equal(t, "HTML", got[0].ParseMode)
}

func TestNotifyWithoutTokenIsNoop(t *testing.T) {
	a := NewTelegramAlerter("", []int64{111})
	assert.NoError(t, a.Notify(context.Background(), "ignored"))

	a = NewTelegramAlerter("token", nil)
	assert.NoError(t, a.Notify(context.Background(), "ignored"))
}

func TestNotifyAdminFailureDoesNotAbort(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			http.Error(w, "chat not found", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := NewTelegramAlerter("test-token", []int64{111, 222})
	a.apiBase = srv.URL

	require.NoError(t, a.Notify(context.Background(), "text"))
	assert.Equal(t, 2, hits)
}

func TestChunkMessages(t *testing.T) {
	var messages []string
	for i := 0; i < 250; i++ {
		messages = append(messages, fmt.Sprintf("line-%d", i))
	}

	chunks := ChunkMessages(messages, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, strings.Split(chunks[0], "\n"), 100)
	assert.Len(t, strings.Split(chunks[2], "\n"), 50)

	assert.Empty(t, ChunkMessages(nil, 100))

	// Неположительный размер заменяется значением по умолчанию.
	chunks = ChunkMessages(messages, 0)
	assert.Len(t, chunks, 3)
}

package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyJSONProvider(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"countryCode": "IR"}`))
	}))
	defer srv.Close()

	l := NewLocator([]Provider{{URL: srv.URL + "/json/{ip}", Key: "countryCode"}}, time.Second)

	country, ok := l.Classify(context.Background(), "203.0.113.5")
	require.True(t, ok)
	assert.Equal(t, "IR", country)

	// Повторный вызов обслуживается из кэша.
	country, ok = l.Classify(context.Background(), "203.0.113.5")
	require.True(t, ok)
	assert.Equal(t, "IR", country)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, 1, l.CacheSize())
}

func TestClassifyPlainTextProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("DE\n"))
	}))
	defer srv.Close()

	l := NewLocator([]Provider{{URL: srv.URL + "/{ip}/country", Key: ""}}, time.Second)

	country, ok := l.Classify(context.Background(), "203.0.113.6")
	require.True(t, ok)
	assert.Equal(t, "DE", country)
}

func TestClassifyFailureNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"country": "NL"}`))
	}))
	defer srv.Close()

	l := NewLocator([]Provider{{URL: srv.URL + "/{ip}", Key: "country"}}, time.Second)

	_, ok := l.Classify(context.Background(), "203.0.113.7")
	require.False(t, ok)
	assert.Equal(t, 0, l.CacheSize())

	country, ok := l.Classify(context.Background(), "203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, "NL", country)
}

func TestClassifyGarbageResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	l := NewLocator([]Provider{{URL: srv.URL + "/{ip}", Key: "country"}}, time.Second)

	_, ok := l.Classify(context.Background(), "203.0.113.8")
	assert.False(t, ok)
}

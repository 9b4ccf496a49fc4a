package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disabled.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "bob"))
	require.NoError(t, s.Add(ctx, "alice"))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	members, err := reopened.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disabled.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "alice"))
	require.NoError(t, s.Clear(ctx))

	members, err := s.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	// Очистка дошла до диска.
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	members, err = reopened.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestFileStoreAddIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "disabled.json"))
	require.NoError(t, err)

	require.NoError(t, s.Add(ctx, "alice"))
	require.NoError(t, s.Add(ctx, "alice"))

	members, err := s.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestFileStoreMissingFileStartsEmpty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	members, err := s.Members(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestFileStoreCorruptFileBackedUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disabled.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	members, err := s.Members(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)

	// Битый файл отложен в .bak, а не потерян молча.
	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)
}

package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Deterministic(t *testing.T) {
	env1 := map[string]string{"GOOS": "linux", "CGO_ENABLED": "0", "GOARCH": "amd64"}
	env2 := map[string]string{"GOARCH": "amd64", "GOOS": "linux", "CGO_ENABLED": "0"}

	assert.Equal(t, Key("compile", "go build ./...", env1), Key("compile", "go build ./...", env2))
	assert.Len(t, Key("compile", "go build ./...", nil), 64)
}

func TestKey_IdentityChanges(t *testing.T) {
	base := Key("compile", "go build ./...", map[string]string{"A": "1"})

	assert.NotEqual(t, base, Key("compile2", "go build ./...", map[string]string{"A": "1"}))
	assert.NotEqual(t, base, Key("compile", "go build -race ./...", map[string]string{"A": "1"}))
	assert.NotEqual(t, base, Key("compile", "go build ./...", map[string]string{"A": "2"}))
	assert.NotEqual(t, base, Key("compile", "go build ./...", nil))
	// Field boundaries are part of the identity.
	assert.NotEqual(t, Key("ab", "c", nil), Key("a", "bc", nil))
}

func TestKeyFor(t *testing.T) {
	step := pipeline.Step{Name: "package", Command: "make dist", Env: map[string]string{"V": "1"}}
	assert.Equal(t, Key("package", "make dist", map[string]string{"V": "1"}), KeyFor(step))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", Excerpt("short", 10))
	assert.Equal(t, "6789", Excerpt("0123456789", 4))
	assert.Equal(t, "0123456789", Excerpt("0123456789", 0))
}

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	created := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)
	entry := Entry{Key: "k1", Step: "compile", Artifacts: []string{"bin/app"}, Output: "ok", CreatedAt: created}
	require.NoError(t, store.Put(ctx, entry))

	got, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "compile", got.Step)
	assert.Equal(t, []string{"bin/app"}, got.Artifacts)
	assert.Equal(t, "ok", got.Output)
	assert.True(t, created.Equal(got.CreatedAt))

	replacement := entry
	replacement.Artifacts = []string{"bin/app", "bin/app.sha256"}
	require.NoError(t, store.Put(ctx, replacement))
	got, ok, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Artifacts, 2)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	artifacts := []string{"a"}
	require.NoError(t, s.Put(ctx, Entry{Key: "k", Artifacts: artifacts}))
	artifacts[0] = "mutated"

	got, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Artifacts)

	got.Artifacts[0] = "again"
	again, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Artifacts)
}

func TestMemoryStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			assert.NoError(t, s.Put(ctx, Entry{Key: key, Step: key}))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, s.Len())
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put(context.Background(), Entry{Key: "k"}), ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storeContract(t, s)

	n, err := s.Prune(context.Background(), "compile")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Entry{Key: "k", Step: "compile", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	_, ok, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not zstd"))
	assert.Error(t, err)
}

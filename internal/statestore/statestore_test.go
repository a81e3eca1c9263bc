package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	return map[string]Backend{
		"file":  NewFileBackend(filepath.Join(t.TempDir(), "runtime_state.json")),
		"redis": NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
	}
}

func TestBackendRoundtrip(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := backend.Get(ctx, "qwen_code", "cred-a")
			assert.ErrorIs(t, err, ErrNotFound)

			state := &CredentialState{
				FailureCount:  2,
				SuppressUntil: 1700000120,
				LastError:     "token endpoint server error",
			}
			require.NoError(t, backend.Put(ctx, "qwen_code", "cred-a", state))

			got, err := backend.Get(ctx, "qwen_code", "cred-a")
			require.NoError(t, err)
			assert.Equal(t, state, got)

			// Keys are scoped per provider.
			_, err = backend.Get(ctx, "gemini_cli", "cred-a")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, backend.Delete(ctx, "qwen_code", "cred-a"))
			_, err = backend.Get(ctx, "qwen_code", "cred-a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackendDeleteMissingIsNoop(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, backend.Delete(context.Background(), "qwen_code", "ghost"))
		})
	}
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runtime_state.json")

	first := NewFileBackend(path)
	require.NoError(t, first.Put(ctx, "qwen_code", "cred-a", &CredentialState{FailureCount: 3}))
	require.NoError(t, first.Close())

	second := NewFileBackend(path)
	got, err := second.Get(ctx, "qwen_code", "cred-a")
	require.NoError(t, err)
	assert.Equal(t, 3, got.FailureCount)
}

func TestFileBackendCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{definitely not json"), 0o600))

	backend := NewFileBackend(path)
	_, err := backend.Get(context.Background(), "qwen_code", "cred-a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Writes still work after discarding the corrupt document.
	require.NoError(t, backend.Put(context.Background(), "qwen_code", "cred-a", &CredentialState{FailureCount: 1}))
}

func TestFileBackendPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	backend := NewFileBackend(filepath.Join(dir, "runtime_state.json"))
	require.NoError(t, backend.Put(context.Background(), "qwen_code", "cred-a", &CredentialState{FailureCount: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "runtime_state.json", entries[0].Name())
}

func TestFileBackendGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "runtime_state.json"))
	require.NoError(t, backend.Put(ctx, "qwen_code", "cred-a", &CredentialState{FailureCount: 1}))

	got, err := backend.Get(ctx, "qwen_code", "cred-a")
	require.NoError(t, err)
	got.FailureCount = 99

	again, err := backend.Get(ctx, "qwen_code", "cred-a")
	require.NoError(t, err)
	assert.Equal(t, 1, again.FailureCount)
}

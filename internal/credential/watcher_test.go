package credential

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnCredentialWrite(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	w := NewWatcher(dir, 50*time.Millisecond, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeCredFile(t, dir, "qwen_code_oauth_1.json", "a@b.c")

	assert.Eventually(t, func() bool { return fired.Load() >= 1 },
		3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	w := NewWatcher(dir, 150*time.Millisecond, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		writeCredFile(t, dir, "qwen_code_oauth_1.json", "a@b.c")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return fired.Load() >= 1 },
		3*time.Second, 20*time.Millisecond)
	// The burst collapses into one callback; allow a little slack for
	// events straddling the window.
	assert.LessOrEqual(t, fired.Load(), int32(2))

	cancel()
	<-done
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	w := NewWatcher(dir, 50*time.Millisecond, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	cancel()
	<-done
}

func TestWatcherMissingDirExitsCleanly(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "does-not-exist"), 50*time.Millisecond, func() {})
	err := w.Run(context.Background())
	assert.NoError(t, err)
}

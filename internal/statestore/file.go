package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend keeps all credential state in a single JSON document, rewritten
// atomically on every mutation. Suitable for single-process deployments.
type FileBackend struct {
	path string

	mu     sync.Mutex
	states map[string]*CredentialState
	loaded bool
}

// NewFileBackend creates a file backend at path. The file is created lazily
// on first Put.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:   path,
		states: make(map[string]*CredentialState),
	}
}

func (f *FileBackend) loadLocked() error {
	if f.loaded {
		return nil
	}
	f.loaded = true
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &f.states); err != nil {
		// A corrupt state file only loses backoff counters; start fresh.
		f.states = make(map[string]*CredentialState)
	}
	return nil
}

func (f *FileBackend) flushLocked() error {
	data, err := json.MarshalIndent(f.states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("prepare state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state_*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func (f *FileBackend) Get(_ context.Context, provider, credID string) (*CredentialState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	state, ok := f.states[stateKey(provider, credID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (f *FileBackend) Put(_ context.Context, provider, credID string, state *CredentialState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	copied := *state
	f.states[stateKey(provider, credID)] = &copied
	return f.flushLocked()
}

func (f *FileBackend) Delete(_ context.Context, provider, credID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	key := stateKey(provider, credID)
	if _, ok := f.states[key]; !ok {
		return nil
	}
	delete(f.states, key)
	return f.flushLocked()
}

func (f *FileBackend) Close() error { return nil }

package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
)

// Store owns file-level reads and writes for credential documents. All
// mutations for a given path are serialized by a per-path mutex and written
// atomically (temp file in the same directory, then rename).
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*Credential
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:   filepath.Clean(dir),
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*Credential),
	}
}

// Dir returns the credential directory.
func (s *Store) Dir() string { return s.dir }

// pathLock returns the mutex guarding a credential path, creating it on
// first use.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[path] = l
	return l
}

// Cached returns the in-memory copy for a source, if present.
func (s *Store) Cached(source string) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.cache[source]
	if !ok {
		return nil, false
	}
	return cred.Clone(), true
}

// Put replaces the cached copy for a source.
func (s *Store) Put(source string, cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[source] = cred.Clone()
}

// Read loads a credential document from disk and refreshes the cache. The
// identity fields (Provider, ID, Kind, Source) are filled from the path.
func (s *Store) Read(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrCredentialMissing, path)
		}
		return nil, fmt.Errorf("read credential %s: %w", path, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrCredentialCorrupt, path, err)
	}
	cred.Kind = KindOAuth
	cred.Source = path
	cred.ID = filepath.Base(path)
	cred.Provider = ProviderFromFilename(filepath.Base(path))
	s.Put(path, &cred)
	return &cred, nil
}

// Save persists a credential atomically. Env-sourced credentials are never
// written to disk; the call still updates the in-memory cache so readers see
// the refreshed tokens.
func (s *Store) Save(cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("credential is nil")
	}
	if cred.Metadata.LoadedFromEnv {
		log.Debugf("credential %s loaded from env, skipping file save", cred.ID)
		s.Put(cred.Source, cred)
		return nil
	}
	path := cred.Source
	if path == "" {
		return fmt.Errorf("credential %s has no source path", cred.ID)
	}
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("prepare credential directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential %s: %w", cred.ID, err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write credential %s: %w", cred.ID, err)
	}
	// Cache is updated only after the file write lands, so a concurrent
	// reader never observes tokens that were not persisted.
	s.Put(path, cred)
	log.Debugf("Saved credential %s (atomic write)", cred.ID)
	return nil
}

// atomicWrite writes data to a temp file next to target, sets owner-only
// permissions where supported, and renames over the target. Rename is atomic
// on POSIX; on platforms without atomic replace the existing target is
// removed first and the rename retried once.
func atomicWrite(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".tmp_*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	// chmod may be unsupported on some filesystems; best effort.
	_ = os.Chmod(tmpPath, 0o600)

	if err := os.Rename(tmpPath, target); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("replace target: %w", rmErr)
		}
		if err := os.Rename(tmpPath, target); err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	tmpPath = ""
	return nil
}

package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var oauthFileRe = regexp.MustCompile(`^(.+?)_oauth_(\d+)\.json$`)

// ProviderFromFilename extracts the provider prefix from a credential file
// name like "qwen_code_oauth_3.json". Unknown shapes return "".
func ProviderFromFilename(name string) string {
	if m := oauthFileRe.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return ""
}

// envOAuthSuffixes are the token-set variables assembled into a virtual
// credential. ACCESS_TOKEN is the only required member.
var envOAuthSuffixes = []string{
	"ACCESS_TOKEN", "REFRESH_TOKEN", "EXPIRY_DATE", "RESOURCE_URL", "EMAIL",
}

// Manager discovers credentials from the filesystem and the environment and
// exposes the deduplicated working set per provider.
type Manager struct {
	store   *Store
	environ []string
	nowFunc func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithEnviron fixes the environment snapshot used for discovery. Tests use
// this instead of mutating the process environment.
func WithEnviron(environ []string) ManagerOption {
	return func(m *Manager) { m.environ = environ }
}

// WithNowFunc overrides the clock.
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFunc = now }
}

// NewManager creates a Manager over the given store.
func NewManager(store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		environ: os.Environ(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying credential store.
func (m *Manager) Store() *Store { return m.store }

// Discover builds the full credential set: file-backed OAuth documents,
// env-assembled OAuth token sets, then API keys. Credentials of the same
// provider sharing an email are deduplicated first-wins in that order.
func (m *Manager) Discover(apiKeys map[string][]string, baseURLOverrides map[string]string) ([]*Credential, error) {
	var all []*Credential

	fileCreds, err := m.discoverFiles()
	if err != nil {
		return nil, err
	}
	all = append(all, fileCreds...)
	all = append(all, m.discoverEnvOAuth()...)
	all = append(all, m.assembleAPIKeys(apiKeys, baseURLOverrides)...)

	return dedupeByEmail(all), nil
}

// discoverFiles scans the credential directory for {provider}_oauth_{N}.json
// documents, ordered by name for deterministic rotation.
func (m *Manager) discoverFiles() ([]*Credential, error) {
	entries, err := os.ReadDir(m.store.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("credential directory %s does not exist, skipping file discovery", m.store.Dir())
			return nil, nil
		}
		return nil, fmt.Errorf("scan credential directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if oauthFileRe.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var creds []*Credential
	for _, name := range names {
		path := filepath.Join(m.store.Dir(), name)
		cred, err := m.store.Read(path)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable credential file %s", name)
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// discoverEnvOAuth assembles virtual credentials from {PROVIDER}_{N}_* token
// variables. The legacy unnumbered form ({PROVIDER}_ACCESS_TOKEN) maps to
// index 0.
func (m *Manager) discoverEnvOAuth() []*Credential {
	env := make(map[string]string, len(m.environ))
	for _, kv := range m.environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}

	type setKey struct {
		provider string
		index    int
	}
	seen := make(map[setKey]bool)
	var keys []setKey

	numberedRe := regexp.MustCompile(`^([A-Z0-9_]+?)_(\d+)_ACCESS_TOKEN$`)
	legacyRe := regexp.MustCompile(`^([A-Z0-9_]+?)_ACCESS_TOKEN$`)

	for name, value := range env {
		if value == "" {
			continue
		}
		var k setKey
		if mm := numberedRe.FindStringSubmatch(name); mm != nil {
			idx, _ := strconv.Atoi(mm[2])
			k = setKey{provider: strings.ToLower(mm[1]), index: idx}
		} else if mm := legacyRe.FindStringSubmatch(name); mm != nil {
			k = setKey{provider: strings.ToLower(mm[1]), index: 0}
		} else {
			continue
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].provider != keys[j].provider {
			return keys[i].provider < keys[j].provider
		}
		return keys[i].index < keys[j].index
	})

	var creds []*Credential
	for _, k := range keys {
		cred := m.assembleEnvCredential(env, k.provider, k.index)
		if cred != nil {
			creds = append(creds, cred)
		}
	}
	return creds
}

// assembleEnvCredential reads one env token set. The numbered form wins over
// the legacy unnumbered form for index 0.
func (m *Manager) assembleEnvCredential(env map[string]string, provider string, index int) *Credential {
	upper := strings.ToUpper(provider)
	get := func(suffix string) string {
		if v := env[fmt.Sprintf("%s_%d_%s", upper, index, suffix)]; v != "" {
			return v
		}
		if index == 0 {
			return env[fmt.Sprintf("%s_%s", upper, suffix)]
		}
		return ""
	}

	access := get("ACCESS_TOKEN")
	if access == "" {
		return nil
	}

	idx := strconv.Itoa(index)
	cred := &Credential{
		Provider:     provider,
		ID:           fmt.Sprintf("%s_env_%s", provider, idx),
		Kind:         KindOAuth,
		Source:       EnvSourceRef(provider, idx),
		AccessToken:  access,
		RefreshToken: get("REFRESH_TOKEN"),
		ResourceURL:  get("RESOURCE_URL"),
		Metadata: Metadata{
			Email:              get("EMAIL"),
			LoadedFromEnv:      true,
			EnvCredentialIndex: idx,
		},
	}
	if raw := get("EXPIRY_DATE"); raw != "" {
		if ms, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			cred.ExpiryDate = ms
		} else {
			log.Warnf("Ignoring unparseable %s_%d_EXPIRY_DATE value %q", upper, index, raw)
		}
	}
	m.store.Put(cred.Source, cred)
	return cred
}

// assembleAPIKeys converts resolved config API keys into credentials.
func (m *Manager) assembleAPIKeys(apiKeys map[string][]string, baseURLOverrides map[string]string) []*Credential {
	providers := make([]string, 0, len(apiKeys))
	for provider := range apiKeys {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	var creds []*Credential
	for _, provider := range providers {
		override := baseURLOverrides[provider]
		for i, key := range apiKeys[provider] {
			creds = append(creds, &Credential{
				Provider:        provider,
				ID:              fmt.Sprintf("%s_key_%d", provider, i+1),
				Kind:            KindAPIKey,
				Source:          EnvSourceRef(provider, fmt.Sprintf("key%d", i+1)),
				APIKey:          key,
				BaseURLOverride: override,
			})
		}
	}
	return creds
}

// dedupeByEmail drops later credentials that share (provider, email) with an
// earlier one. Credentials without an email are never deduplicated.
func dedupeByEmail(creds []*Credential) []*Credential {
	seen := make(map[string]*Credential)
	out := creds[:0]
	for _, cred := range creds {
		email := strings.ToLower(strings.TrimSpace(cred.Metadata.Email))
		if cred.Kind != KindOAuth || email == "" {
			out = append(out, cred)
			continue
		}
		key := cred.Provider + "\x00" + email
		if prior, ok := seen[key]; ok {
			log.Warnf("Duplicate credential for %s account %s: keeping %s, skipping %s",
				cred.Provider, email, prior.ID, cred.ID)
			continue
		}
		seen[key] = cred
		out = append(out, cred)
	}
	return out
}

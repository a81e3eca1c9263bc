package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCredFile(t *testing.T, dir, name, email string) {
	t.Helper()
	doc := `{"access_token":"at","refresh_token":"rt","expiry_date":1700000000000`
	if email != "" {
		doc += `,"_proxy_metadata":{"email":"` + email + `"}`
	}
	doc += `}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o600))
}

func TestProviderFromFilename(t *testing.T) {
	assert.Equal(t, "qwen_code", ProviderFromFilename("qwen_code_oauth_1.json"))
	assert.Equal(t, "gemini_cli", ProviderFromFilename("gemini_cli_oauth_12.json"))
	assert.Equal(t, "", ProviderFromFilename("notes.txt"))
	assert.Equal(t, "", ProviderFromFilename("qwen_code_oauth_x.json"))
}

func TestDiscoverFiles(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "qwen_code_oauth_2.json", "two@example.com")
	writeCredFile(t, dir, "qwen_code_oauth_1.json", "one@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o600))

	m := NewManager(NewStore(dir), WithEnviron(nil))
	creds, err := m.Discover(nil, nil)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	// Name order keeps rotation deterministic.
	assert.Equal(t, "qwen_code_oauth_1.json", creds[0].ID)
	assert.Equal(t, "qwen_code_oauth_2.json", creds[1].ID)
}

func TestDiscoverSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "qwen_code_oauth_1.json", "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qwen_code_oauth_2.json"), []byte("{broken"), 0o600))

	m := NewManager(NewStore(dir), WithEnviron(nil))
	creds, err := m.Discover(nil, nil)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "qwen_code_oauth_1.json", creds[0].ID)
}

func TestDiscoverEnvOAuthNumberedAndLegacy(t *testing.T) {
	m := NewManager(NewStore(t.TempDir()), WithEnviron([]string{
		"QWEN_CODE_ACCESS_TOKEN=legacy-at",
		"QWEN_CODE_REFRESH_TOKEN=legacy-rt",
		"QWEN_CODE_1_ACCESS_TOKEN=one-at",
		"QWEN_CODE_1_REFRESH_TOKEN=one-rt",
		"QWEN_CODE_1_EXPIRY_DATE=1700000000000",
		"QWEN_CODE_1_EMAIL=one@example.com",
	}))
	creds, err := m.Discover(nil, nil)
	require.NoError(t, err)
	require.Len(t, creds, 2)

	legacy := creds[0]
	assert.Equal(t, "env://qwen_code/0", legacy.Source)
	assert.Equal(t, "legacy-at", legacy.AccessToken)
	assert.True(t, legacy.Metadata.LoadedFromEnv)

	one := creds[1]
	assert.Equal(t, "env://qwen_code/1", one.Source)
	assert.Equal(t, "one-at", one.AccessToken)
	assert.Equal(t, "one@example.com", one.Metadata.Email)
	assert.Equal(t, float64(1700000000000), one.ExpiryDate)
}

func TestDiscoverAPIKeys(t *testing.T) {
	m := NewManager(NewStore(t.TempDir()), WithEnviron(nil))
	creds, err := m.Discover(map[string][]string{
		"openai": {"k1", "k2"},
	}, map[string]string{"openai": "https://alt.example/v1"})
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, KindAPIKey, creds[0].Kind)
	assert.Equal(t, "k1", creds[0].APIKey)
	assert.Equal(t, "openai_key_1", creds[0].ID)
	assert.Equal(t, "https://alt.example/v1", creds[0].BaseURLOverride)
}

func TestDedupFirstWins(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "qwen_code_oauth_1.json", "dup@example.com")
	writeCredFile(t, dir, "qwen_code_oauth_2.json", "dup@example.com")
	writeCredFile(t, dir, "qwen_code_oauth_3.json", "other@example.com")

	m := NewManager(NewStore(dir), WithEnviron(nil))
	creds, err := m.Discover(nil, nil)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "qwen_code_oauth_1.json", creds[0].ID)
	assert.Equal(t, "qwen_code_oauth_3.json", creds[1].ID)
}

func TestDedupIsCaseInsensitiveOnEmail(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "qwen_code_oauth_1.json", "Dup@Example.com")
	writeCredFile(t, dir, "qwen_code_oauth_2.json", "dup@example.com")

	m := NewManager(NewStore(dir), WithEnviron(nil))
	creds, err := m.Discover(nil, nil)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestDedupSkipsCredentialsWithoutEmail(t *testing.T) {
	dir := t.TempDir()
	writeCredFile(t, dir, "qwen_code_oauth_1.json", "")
	writeCredFile(t, dir, "qwen_code_oauth_2.json", "")

	m := NewManager(NewStore(dir), WithEnviron(nil))
	creds, err := m.Discover(nil, nil)
	require.NoError(t, err)
	assert.Len(t, creds, 2, "credentials without an email are never deduplicated")
}

func TestExpiresWithin(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cred := &Credential{Kind: KindOAuth}
	cred.SetExpiresAt(now.Add(1 * time.Hour))
	assert.True(t, cred.ExpiresWithin(now, 3*time.Hour))
	assert.False(t, cred.ExpiresWithin(now, 30*time.Minute))

	apiKey := &Credential{Kind: KindAPIKey}
	assert.False(t, apiKey.ExpiresWithin(now, 3*time.Hour))
}

func TestSetExpiresAtMonotonic(t *testing.T) {
	cred := &Credential{Kind: KindOAuth}
	later := time.Unix(1700003600, 0)
	earlier := time.Unix(1700000000, 0)
	cred.SetExpiresAt(later)
	cred.SetExpiresAt(earlier)
	assert.Equal(t, later.UnixMilli(), cred.ExpiresAt().UnixMilli())
}

func TestParseEnvSourceRef(t *testing.T) {
	provider, index, ok := ParseEnvSourceRef("env://qwen_code/2")
	require.True(t, ok)
	assert.Equal(t, "qwen_code", provider)
	assert.Equal(t, "2", index)

	provider, index, ok = ParseEnvSourceRef("env://iflow")
	require.True(t, ok)
	assert.Equal(t, "iflow", provider)
	assert.Equal(t, "0", index)

	_, _, ok = ParseEnvSourceRef("/tmp/qwen_code_oauth_1.json")
	assert.False(t, ok)
}

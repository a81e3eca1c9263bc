package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
)

func baseConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8000"},
		OAuth:  OAuthConfig{CredsDir: DefaultCredsDir},
		State:  StateConfig{Backend: "file"},
	}
	applyDefaults(cfg)
	return cfg
}

func TestLoadFromEnvNumberedKeysOrdered(t *testing.T) {
	cfg := baseConfig()
	err := cfg.loadFromEnv([]string{
		"OPENAI_API_KEY_2=key-two",
		"OPENAI_API_KEY_10=key-ten",
		"OPENAI_API_KEY_1=key-one",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"key-one", "key-two", "key-ten"}, cfg.APIKeys["openai"])
}

func TestLoadFromEnvLegacyUnnumberedKey(t *testing.T) {
	cfg := baseConfig()
	err := cfg.loadFromEnv([]string{
		"GROQ_API_KEY=legacy",
		"GROQ_API_KEY_1=first",
	})
	require.NoError(t, err)
	// The legacy form sorts as index 0, ahead of numbered keys.
	assert.Equal(t, []string{"legacy", "first"}, cfg.APIKeys["groq"])
}

func TestLoadFromEnvProxyKeyNotACredential(t *testing.T) {
	cfg := baseConfig()
	err := cfg.loadFromEnv([]string{
		"PROXY_API_KEY=secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Security.ProxyAPIKey)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoadFromEnvModelFilters(t *testing.T) {
	cfg := baseConfig()
	err := cfg.loadFromEnv([]string{
		"IGNORE_MODELS_OPENAI=gpt-3.5*, davinci",
		"WHITELIST_MODELS_GROQ=llama-3.3-70b-versatile",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-3.5*", "davinci"}, cfg.IgnoreModels["openai"])
	assert.Equal(t, []string{"llama-3.3-70b-versatile"}, cfg.WhitelistModels["groq"])
}

func TestLoadFromEnvMaxConcurrent(t *testing.T) {
	cfg := baseConfig()
	err := cfg.loadFromEnv([]string{
		"MAX_CONCURRENT_REQUESTS_PER_KEY_QWEN_CODE=4",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentFor("qwen_code"))
	assert.Equal(t, DefaultMaxConcurrentPerKey, cfg.MaxConcurrentFor("openai"))
}

func TestLoadFromEnvMaxConcurrentInvalid(t *testing.T) {
	for _, value := range []string{"0", "-3", "lots"} {
		cfg := baseConfig()
		err := cfg.loadFromEnv([]string{
			"MAX_CONCURRENT_REQUESTS_PER_KEY_OPENAI=" + value,
		})
		require.Error(t, err, "value %q should be rejected", value)
		var cfgErr *apperrors.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	}
}

func TestLoadFromEnvToggles(t *testing.T) {
	cfg := baseConfig()
	err := cfg.loadFromEnv([]string{
		"SKIP_OAUTH_INIT_CHECK=true",
		"ELECTRON_OAUTH_MODE=1",
		"DEBUG=yes",
	})
	require.NoError(t, err)
	assert.True(t, cfg.SkipOAuthInitCheck)
	assert.True(t, cfg.ElectronOAuthMode)
	assert.True(t, cfg.Security.Debug)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	assert.Equal(t, DefaultCredsDir, cfg.OAuth.CredsDir)
	assert.Equal(t, DefaultRefreshBufferSec, cfg.OAuth.RefreshExpiryBufferSec)
	assert.Equal(t, DefaultBackgroundTickSec, cfg.OAuth.BackgroundTickSec)
	assert.Equal(t, DefaultReauthTimeoutSec, cfg.OAuth.ReauthTimeoutSec)
	assert.Equal(t, DefaultUnavailableTTLSec, cfg.OAuth.UnavailableTTLSec)
	assert.Equal(t, "file", cfg.State.Backend)
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
)

// Config is the resolved runtime configuration. Environment variables are the
// primary source; an optional config.yaml supplies server-level settings and
// provider base URL overrides.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	State    StateConfig    `yaml:"state"`

	// Per-provider base URL overrides ({provider: url}).
	BaseURLOverrides map[string]string `yaml:"base_url_overrides"`

	// Resolved from environment.
	APIKeys              map[string][]string `yaml:"-"`
	IgnoreModels         map[string][]string `yaml:"-"`
	WhitelistModels      map[string][]string `yaml:"-"`
	MaxConcurrentPerKey  map[string]int      `yaml:"-"`
	SkipOAuthInitCheck   bool                `yaml:"-"`
	ElectronOAuthMode    bool                `yaml:"-"`
	EnableRequestLogging bool                `yaml:"-"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type SecurityConfig struct {
	ProxyAPIKey string `yaml:"-"`
	Debug       bool   `yaml:"debug"`
	LogFile     string `yaml:"log_file"`
	// RateLimitRPS caps per-client request rate; 0 disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

type OAuthConfig struct {
	// CredsDir holds the {provider}_oauth_{N}.json documents.
	CredsDir string `yaml:"creds_dir"`
	// RefreshExpiryBufferSec triggers inline refresh this many seconds before
	// token expiry. Default 3 hours.
	RefreshExpiryBufferSec int `yaml:"refresh_expiry_buffer_sec"`
	// BackgroundTickSec is the proactive refresher interval. Default 60.
	BackgroundTickSec int `yaml:"background_tick_sec"`
	// ReauthTimeoutSec bounds the interactive device flow. Default 300.
	ReauthTimeoutSec int `yaml:"reauth_timeout_sec"`
	// UnavailableTTLSec reaps credentials stuck in the unavailable state.
	// Default 300.
	UnavailableTTLSec int `yaml:"unavailable_ttl_sec"`
}

type StateConfig struct {
	// Backend selects where per-credential runtime state is persisted:
	// "file" (default) or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

const (
	DefaultCredsDir            = "./oauth_creds"
	DefaultRefreshBufferSec    = 3 * 60 * 60
	DefaultBackgroundTickSec   = 60
	DefaultReauthTimeoutSec    = 300
	DefaultUnavailableTTLSec   = 300
	DefaultMaxConcurrentPerKey = 1
)

// Load resolves configuration from the optional YAML file and the process
// environment. Environment takes effect on top of file defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8000"},
		OAuth:  OAuthConfig{CredsDir: DefaultCredsDir},
		State:  StateConfig{Backend: "file"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &apperrors.ConfigError{Field: path, Reason: fmt.Sprintf("parse yaml: %v", err)}
			}
		} else if !os.IsNotExist(err) {
			return nil, &apperrors.ConfigError{Field: path, Reason: err.Error()}
		}
	}

	applyDefaults(cfg)
	if err := cfg.loadFromEnv(os.Environ()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OAuth.CredsDir == "" {
		cfg.OAuth.CredsDir = DefaultCredsDir
	}
	if cfg.OAuth.RefreshExpiryBufferSec <= 0 {
		cfg.OAuth.RefreshExpiryBufferSec = DefaultRefreshBufferSec
	}
	if cfg.OAuth.BackgroundTickSec <= 0 {
		cfg.OAuth.BackgroundTickSec = DefaultBackgroundTickSec
	}
	if cfg.OAuth.ReauthTimeoutSec <= 0 {
		cfg.OAuth.ReauthTimeoutSec = DefaultReauthTimeoutSec
	}
	if cfg.OAuth.UnavailableTTLSec <= 0 {
		cfg.OAuth.UnavailableTTLSec = DefaultUnavailableTTLSec
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "file"
	}
	if cfg.BaseURLOverrides == nil {
		cfg.BaseURLOverrides = make(map[string]string)
	}
}

var numberedAPIKeyRe = regexp.MustCompile(`^([A-Z0-9_]+?)_API_KEY(?:_(\d+))?$`)

// loadFromEnv resolves the environment-driven settings. The environ slice is
// injected so tests can supply a fixed environment.
func (c *Config) loadFromEnv(environ []string) error {
	c.APIKeys = make(map[string][]string)
	c.IgnoreModels = make(map[string][]string)
	c.WhitelistModels = make(map[string][]string)
	c.MaxConcurrentPerKey = make(map[string]int)

	type numberedKey struct {
		index int
		value string
	}
	keysByProvider := make(map[string][]numberedKey)

	for _, env := range environ {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]

		switch {
		case key == "PROXY_API_KEY":
			c.Security.ProxyAPIKey = value
		case key == "SKIP_OAUTH_INIT_CHECK":
			c.SkipOAuthInitCheck = isTruthy(value)
		case key == "ELECTRON_OAUTH_MODE":
			c.ElectronOAuthMode = value == "1" || isTruthy(value)
		case key == "DEBUG":
			c.Security.Debug = isTruthy(value)
		case key == "LOG_FILE":
			c.Security.LogFile = value
		case strings.HasPrefix(key, "IGNORE_MODELS_"):
			provider := strings.ToLower(strings.TrimPrefix(key, "IGNORE_MODELS_"))
			c.IgnoreModels[provider] = splitCSV(value)
		case strings.HasPrefix(key, "WHITELIST_MODELS_"):
			provider := strings.ToLower(strings.TrimPrefix(key, "WHITELIST_MODELS_"))
			c.WhitelistModels[provider] = splitCSV(value)
		case strings.HasPrefix(key, "MAX_CONCURRENT_REQUESTS_PER_KEY_"):
			provider := strings.ToLower(strings.TrimPrefix(key, "MAX_CONCURRENT_REQUESTS_PER_KEY_"))
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 1 {
				return &apperrors.ConfigError{Field: key, Reason: fmt.Sprintf("must be a positive integer, got %q", value)}
			}
			c.MaxConcurrentPerKey[provider] = n
		default:
			if m := numberedAPIKeyRe.FindStringSubmatch(key); m != nil && value != "" {
				provider := strings.ToLower(m[1])
				if provider == "proxy" {
					continue
				}
				idx := 0
				if m[2] != "" {
					idx, _ = strconv.Atoi(m[2])
				}
				keysByProvider[provider] = append(keysByProvider[provider], numberedKey{index: idx, value: value})
			}
		}
	}

	// Order API keys by their numeric suffix so rotation order is stable.
	for provider, keys := range keysByProvider {
		sort.SliceStable(keys, func(i, j int) bool { return keys[i].index < keys[j].index })
		for _, k := range keys {
			c.APIKeys[provider] = append(c.APIKeys[provider], k.value)
		}
	}
	return nil
}

// MaxConcurrentFor returns the per-credential concurrency cap for a provider.
func (c *Config) MaxConcurrentFor(provider string) int {
	if n, ok := c.MaxConcurrentPerKey[strings.ToLower(provider)]; ok && n > 0 {
		return n
	}
	return DefaultMaxConcurrentPerKey
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

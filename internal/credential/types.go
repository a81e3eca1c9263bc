package credential

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates API-key credentials from OAuth token sets.
type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindOAuth  Kind = "oauth"
)

// Metadata is the `_proxy_metadata` block persisted alongside tokens. Email
// is the deduplication key across credentials of the same provider.
type Metadata struct {
	Email              string  `json:"email,omitempty"`
	LastCheckTimestamp float64 `json:"last_check_timestamp,omitempty"`
	DisplayName        string  `json:"display_name,omitempty"`
	LoadedFromEnv      bool    `json:"loaded_from_env,omitempty"`
	EnvCredentialIndex string  `json:"env_credential_index,omitempty"`
}

// Extras carries the provider-specific optional OAuth fields.
type Extras struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Tier         string `json:"tier,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	// APIKey is present for providers that pair an OAuth session with a
	// separate API key (iflow).
	APIKey string `json:"apiKey,omitempty"`
}

// Credential is one authentication principal for one upstream provider.
// The JSON shape matches the persisted credential file format; identity
// fields are derived, not stored.
type Credential struct {
	Provider string `json:"-"`
	ID       string `json:"-"`
	Kind     Kind   `json:"-"`
	// Source is a filesystem path for file-backed credentials or a virtual
	// env://PROVIDER/INDEX reference for env-assembled ones.
	Source string `json:"-"`
	// APIKey holds the opaque secret for api_key credentials.
	APIKey string `json:"-"`
	// BaseURLOverride applies to api_key credentials only.
	BaseURLOverride string `json:"-"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiryDate is epoch milliseconds. Stored as float64 because upstream
	// writers emit fractional values.
	ExpiryDate  float64  `json:"expiry_date,omitempty"`
	ResourceURL string `json:"resource_url,omitempty"`
	// Extras fields are flattened into the document via embedding.
	Extras
	Metadata Metadata `json:"_proxy_metadata,omitempty"`
}

// ExpiresAt converts the epoch-ms expiry to a time.Time. Zero expiry yields
// the zero time.
func (c *Credential) ExpiresAt() time.Time {
	if c.ExpiryDate <= 0 {
		return time.Time{}
	}
	ms := int64(c.ExpiryDate)
	return time.UnixMilli(ms)
}

// SetExpiresAt updates the expiry, never moving it backwards. Successful
// refreshes only ever extend the credential's lifetime.
func (c *Credential) SetExpiresAt(t time.Time) {
	ms := float64(t.UnixMilli())
	if ms > c.ExpiryDate {
		c.ExpiryDate = ms
	}
}

// ExpiresWithin reports whether the token is expired or will expire inside
// the given buffer. API-key credentials never expire.
func (c *Credential) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	if c.Kind != KindOAuth {
		return false
	}
	exp := c.ExpiresAt()
	if exp.IsZero() {
		return true
	}
	return exp.Before(now.Add(buffer))
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	clone := *c
	return &clone
}

// DisplayName returns a short human-readable identifier for logs.
func (c *Credential) DisplayName() string {
	if c.Metadata.DisplayName != "" {
		return c.Metadata.DisplayName
	}
	return c.ID
}

// EnvSourceRef builds the virtual source reference for env credentials.
func EnvSourceRef(provider, index string) string {
	return fmt.Sprintf("env://%s/%s", provider, index)
}

// ParseEnvSourceRef extracts (provider, index) from an env:// source, with
// index defaulting to "0". ok is false for non-virtual sources.
func ParseEnvSourceRef(source string) (provider, index string, ok bool) {
	if !strings.HasPrefix(source, "env://") {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(source, "env://"), "/", 2)
	provider = parts[0]
	index = "0"
	if len(parts) == 2 && parts[1] != "" {
		index = parts[1]
	}
	return provider, index, true
}

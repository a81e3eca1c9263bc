package providerauth

import (
	"context"
	"strings"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
)

// APIDetails is what a request needs to reach an upstream: the resolved base
// URL and the bearer secret.
type APIDetails struct {
	BaseURL string
	Token   string
}

// Authenticator turns a credential into usable API details and manages its
// token lifecycle. API-key credentials have a trivial implementation; OAuth
// credentials refresh, re-authenticate, and back off behind the same surface.
type Authenticator interface {
	// Initialize validates the credential at startup, refreshing or starting
	// an interactive flow when the stored tokens are unusable.
	Initialize(ctx context.Context, cred *credential.Credential) error
	// GetAPIDetails returns a base URL and token ready for use, refreshing
	// inline when the token is inside the expiry buffer.
	GetAPIDetails(ctx context.Context, cred *credential.Credential) (APIDetails, error)
	// GetUserInfo returns the account email used for deduplication, "" when
	// unknown.
	GetUserInfo(ctx context.Context, cred *credential.Credential) (string, error)
	// Refresh forces or requests a token refresh, applying the retry and
	// backoff policy.
	Refresh(ctx context.Context, cred *credential.Credential, force bool) error
	// InteractiveReauth runs the device-code flow for a revoked credential.
	InteractiveReauth(ctx context.Context, cred *credential.Credential) error
}

// apiKeyAuth is the no-op lifecycle for static API keys.
type apiKeyAuth struct {
	provider string
}

// NewAPIKeyAuth returns the authenticator for api_key credentials.
func NewAPIKeyAuth(provider string) Authenticator {
	return &apiKeyAuth{provider: strings.ToLower(provider)}
}

func (a *apiKeyAuth) Initialize(context.Context, *credential.Credential) error { return nil }

func (a *apiKeyAuth) GetAPIDetails(_ context.Context, cred *credential.Credential) (APIDetails, error) {
	return APIDetails{
		BaseURL: BaseURLFor(a.provider, cred.BaseURLOverride),
		Token:   cred.APIKey,
	}, nil
}

func (a *apiKeyAuth) GetUserInfo(context.Context, *credential.Credential) (string, error) {
	return "", nil
}

func (a *apiKeyAuth) Refresh(context.Context, *credential.Credential, bool) error { return nil }

func (a *apiKeyAuth) InteractiveReauth(context.Context, *credential.Credential) error { return nil }

// normalizeResourceURL coerces a credential resource_url into a usable base
// URL (scheme prefixed when missing).
func normalizeResourceURL(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for credential enumeration. Corrupt credentials are skipped
// during discovery; missing ones abort the individual load only.
var (
	ErrCredentialMissing = errors.New("credential file missing")
	ErrCredentialCorrupt = errors.New("credential file corrupt")
)

// ConfigError is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// RefreshTransientError covers 429/5xx/network failures during token refresh.
// These are retried with backoff inside the refresh loop.
type RefreshTransientError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *RefreshTransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient refresh failure (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient refresh failure: %v", e.Err)
}

func (e *RefreshTransientError) Unwrap() error { return e.Err }

// RefreshInvalidGrantError marks a 401/403 from the token endpoint. The
// refresh token is no longer usable and interactive re-auth is required.
type RefreshInvalidGrantError struct {
	Status int
	Body   string
}

func (e *RefreshInvalidGrantError) Error() string {
	return fmt.Sprintf("refresh token rejected (HTTP %d): %s", e.Status, e.Body)
}

// ReauthTimeoutError is returned when an interactive re-authorization flow
// does not complete within its deadline.
type ReauthTimeoutError struct {
	ReauthID string
	Timeout  time.Duration
}

func (e *ReauthTimeoutError) Error() string {
	return fmt.Sprintf("interactive re-authorization for %s timed out after %s", e.ReauthID, e.Timeout)
}

// ReauthCancelledError is returned when the flow is cancelled before
// completion (shutdown, caller context cancelled).
type ReauthCancelledError struct {
	ReauthID string
}

func (e *ReauthCancelledError) Error() string {
	return fmt.Sprintf("interactive re-authorization for %s cancelled", e.ReauthID)
}

// NoAvailableCredentialError means the rotator exhausted all candidates for a
// provider within the caller's deadline. Surfaced to clients as HTTP 503.
type NoAvailableCredentialError struct {
	Provider string
	Tried    int
}

func (e *NoAvailableCredentialError) Error() string {
	return fmt.Sprintf("no available credential for provider %q (tried %d)", e.Provider, e.Tried)
}

// UpstreamError carries the provider's status, Retry-After hint and raw body.
// Rotation decisions are made on the structured fields, never by matching the
// message text.
type UpstreamError struct {
	Provider   string
	Status     int
	RetryAfter time.Duration
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned HTTP %d", e.Provider, e.Status)
}

// IsCredentialScoped reports whether the upstream failure should be blamed on
// the credential (and thus trigger rotation) rather than the request.
func (e *UpstreamError) IsCredentialScoped() bool {
	switch e.Status {
	case 401, 403, 429:
		return true
	}
	return false
}

package statestore

import (
	"context"
	"errors"
)

// CredentialState is the per-credential runtime state that survives restarts:
// refresh failure counters, unavailability stamps, and last-success marks.
// Timestamps are epoch seconds.
type CredentialState struct {
	FailureCount     int     `json:"failure_count,omitempty"`
	SuppressUntil    float64 `json:"suppress_until,omitempty"`
	UnavailableUntil float64 `json:"unavailable_until,omitempty"`
	LastSuccess      float64 `json:"last_success,omitempty"`
	LastError        string  `json:"last_error,omitempty"`
}

// ErrNotFound is returned when no state has been recorded for a credential.
var ErrNotFound = errors.New("credential state not found")

// Backend persists CredentialState documents keyed by (provider, credential).
type Backend interface {
	Get(ctx context.Context, provider, credID string) (*CredentialState, error)
	Put(ctx context.Context, provider, credID string, state *CredentialState) error
	Delete(ctx context.Context, provider, credID string) error
	Close() error
}

func stateKey(provider, credID string) string {
	return provider + ":" + credID
}

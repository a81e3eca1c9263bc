package rotator

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/providerauth"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/upstream"
)

const (
	defaultWaitTimeout   = 30 * time.Second
	defaultMaxCandidates = 3
	defaultRateCooldown  = 60 * time.Second
)

// availabilityReporter is implemented by OAuth authenticators whose refresh
// queue can take a credential out of rotation.
type availabilityReporter interface {
	IsAvailable(source string) bool
}

// reauthQueuer is implemented by OAuth authenticators that can queue an
// interactive re-authentication after an upstream auth failure.
type reauthQueuer interface {
	QueueReauth(cred *credential.Credential)
}

// entry is one registered credential with its concurrency gate and rotation
// bookkeeping.
type entry struct {
	cred  *credential.Credential
	auth  providerauth.Authenticator
	sem   chan struct{}
	order int

	mu            sync.Mutex
	lastUsed      time.Time
	cooldownUntil time.Time
}

func (e *entry) available(now time.Time) bool {
	e.mu.Lock()
	cooling := now.Before(e.cooldownUntil)
	e.mu.Unlock()
	if cooling {
		return false
	}
	if rep, ok := e.auth.(availabilityReporter); ok {
		return rep.IsAvailable(e.cred.Source)
	}
	return true
}

func (e *entry) hasFreeSlot() bool {
	return len(e.sem) < cap(e.sem)
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastUsed = now
	e.mu.Unlock()
}

func (e *entry) setCooldown(until time.Time) {
	e.mu.Lock()
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	e.mu.Unlock()
}

// RotatingClient distributes requests across all credentials of a provider:
// per-credential concurrency caps, least-recently-used selection with a
// preference for free slots, and rotation to the next candidate on
// credential-scoped upstream failures.
type RotatingClient struct {
	up *upstream.Client

	waitTimeout   time.Duration
	maxCandidates int
	maxConcurrent func(provider string) int
	now           func() time.Time

	mu      sync.RWMutex
	entries map[string][]*entry
}

// Option customizes a RotatingClient.
type Option func(*RotatingClient)

// WithWaitTimeout bounds how long a request waits for a busy credential slot.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *RotatingClient) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// WithMaxCandidates caps how many distinct credentials one request may try.
func WithMaxCandidates(n int) Option {
	return func(r *RotatingClient) {
		if n > 0 {
			r.maxCandidates = n
		}
	}
}

// WithMaxConcurrentFunc sets the per-provider concurrency cap lookup.
func WithMaxConcurrentFunc(fn func(provider string) int) Option {
	return func(r *RotatingClient) {
		if fn != nil {
			r.maxConcurrent = fn
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(r *RotatingClient) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a RotatingClient over the given upstream adapter.
func New(up *upstream.Client, opts ...Option) *RotatingClient {
	r := &RotatingClient{
		up:            up,
		waitTimeout:   defaultWaitTimeout,
		maxCandidates: defaultMaxCandidates,
		maxConcurrent: func(string) int { return 1 },
		now:           time.Now,
		entries:       make(map[string][]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a credential to the rotation pool for its provider.
func (r *RotatingClient) Register(cred *credential.Credential, auth providerauth.Authenticator) {
	provider := strings.ToLower(cred.Provider)
	cap := r.maxConcurrent(provider)
	if cap < 1 {
		cap = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[provider] = append(r.entries[provider], &entry{
		cred:  cred,
		auth:  auth,
		sem:   make(chan struct{}, cap),
		order: len(r.entries[provider]),
	})
}

// Providers lists providers with at least one registered credential.
func (r *RotatingClient) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Credentials returns snapshots of a provider's registered credentials.
func (r *RotatingClient) Credentials(provider string) []*credential.Credential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*credential.Credential
	for _, e := range r.entries[strings.ToLower(provider)] {
		out = append(out, e.cred)
	}
	return out
}

// AllCredentials returns every registered credential across providers.
func (r *RotatingClient) AllCredentials() []*credential.Credential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*credential.Credential
	for _, entries := range r.entries {
		for _, e := range entries {
			out = append(out, e.cred)
		}
	}
	return out
}

// acquired is a held credential slot with resolved API details.
type acquired struct {
	entry   *entry
	details providerauth.APIDetails
	release func()
}

// detailsError marks an acquire failure caused by the credential itself
// (inline refresh or detail resolution), so callers can rotate past it.
type detailsError struct {
	entry *entry
	err   error
}

func (d *detailsError) Error() string { return d.err.Error() }
func (d *detailsError) Unwrap() error { return d.err }

// acquire selects a credential and takes one concurrency slot. Free slots are
// preferred; among equals the least recently used wins, insertion order
// breaking ties. With every slot busy it blocks on the best candidate up to
// the wait timeout.
func (r *RotatingClient) acquire(ctx context.Context, provider string, excluded map[*entry]bool) (*acquired, error) {
	r.mu.RLock()
	all := r.entries[strings.ToLower(provider)]
	r.mu.RUnlock()
	if len(all) == 0 {
		return nil, &apperrors.NoAvailableCredentialError{Provider: provider}
	}

	now := r.now()
	var candidates []*entry
	for _, e := range all {
		if excluded[e] || !e.available(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, &apperrors.NoAvailableCredentialError{Provider: provider, Tried: len(excluded)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		candidates[i].mu.Lock()
		li := candidates[i].lastUsed
		candidates[i].mu.Unlock()
		candidates[j].mu.Lock()
		lj := candidates[j].lastUsed
		candidates[j].mu.Unlock()
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return candidates[i].order < candidates[j].order
	})

	// Pass 1: a candidate with a free slot.
	for _, e := range candidates {
		if !e.hasFreeSlot() {
			continue
		}
		select {
		case e.sem <- struct{}{}:
			return r.finishAcquire(ctx, e)
		default:
		}
	}

	// All saturated: wait on the least recently used candidate.
	best := candidates[0]
	timer := time.NewTimer(r.waitTimeout)
	defer timer.Stop()
	select {
	case best.sem <- struct{}{}:
		return r.finishAcquire(ctx, best)
	case <-timer.C:
		return nil, &apperrors.NoAvailableCredentialError{Provider: provider, Tried: len(candidates)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishAcquire resolves API details for a held slot, releasing it on error.
func (r *RotatingClient) finishAcquire(ctx context.Context, e *entry) (*acquired, error) {
	e.touch(r.now())
	details, err := e.auth.GetAPIDetails(ctx, e.cred)
	if err != nil {
		<-e.sem
		return nil, &detailsError{entry: e, err: err}
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-e.sem })
	}
	return &acquired{entry: e, details: details, release: release}, nil
}

// handleCredentialError applies rotation policy after a credential-scoped
// upstream failure and reports whether the next candidate should be tried.
func (r *RotatingClient) handleCredentialError(e *entry, ue *apperrors.UpstreamError) {
	switch ue.Status {
	case 401, 403:
		log.Warnf("Upstream auth failure (HTTP %d) for %s, rotating", ue.Status, e.cred.DisplayName())
		if q, ok := e.auth.(reauthQueuer); ok {
			q.QueueReauth(e.cred)
		} else {
			e.setCooldown(r.now().Add(defaultRateCooldown))
		}
	case 429:
		cooldown := ue.RetryAfter
		if cooldown <= 0 {
			cooldown = defaultRateCooldown
		}
		log.Warnf("Upstream rate limit for %s, cooling down %s", e.cred.DisplayName(), cooldown)
		e.setCooldown(r.now().Add(cooldown))
	}
}

// do runs a unary operation with rotation across up to maxCandidates
// credentials.
func (r *RotatingClient) do(ctx context.Context, provider string, fn func(ctx context.Context, details providerauth.APIDetails) ([]byte, error)) ([]byte, error) {
	excluded := make(map[*entry]bool)
	var lastErr error
	for attempt := 0; attempt < r.maxCandidates; attempt++ {
		ac, err := r.acquire(ctx, provider, excluded)
		if err != nil {
			var de *detailsError
			if errors.As(err, &de) {
				log.WithError(de.err).Warnf("Credential %s unusable, rotating", de.entry.cred.DisplayName())
				excluded[de.entry] = true
				lastErr = de.err
				continue
			}
			var noCred *apperrors.NoAvailableCredentialError
			if errors.As(err, &noCred) && lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		out, err := fn(ctx, ac.details)
		ac.release()
		if err == nil {
			return out, nil
		}
		lastErr = err
		var ue *apperrors.UpstreamError
		if errors.As(err, &ue) && ue.IsCredentialScoped() {
			r.handleCredentialError(ac.entry, ue)
			excluded[ac.entry] = true
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// Completion performs a unary chat completion.
func (r *RotatingClient) Completion(ctx context.Context, provider string, body []byte) ([]byte, error) {
	return r.do(ctx, provider, func(ctx context.Context, details providerauth.APIDetails) ([]byte, error) {
		return r.up.Do(ctx, provider, details, "chat/completions", body)
	})
}

// Embeddings performs an embeddings call.
func (r *RotatingClient) Embeddings(ctx context.Context, provider string, body []byte) ([]byte, error) {
	return r.do(ctx, provider, func(ctx context.Context, details providerauth.APIDetails) ([]byte, error) {
		return r.up.Do(ctx, provider, details, "embeddings", body)
	})
}

// ListModels fetches the provider's model listing.
func (r *RotatingClient) ListModels(ctx context.Context, provider string) ([]byte, error) {
	return r.do(ctx, provider, func(ctx context.Context, details providerauth.APIDetails) ([]byte, error) {
		return r.up.Get(ctx, provider, details, "models")
	})
}

// CompletionStream opens a streaming chat completion. The returned release
// function frees the credential slot and MUST be called when the stream ends,
// whatever the exit path. Rotation applies only to failures before the first
// byte; once a stream is open, errors surface mid-stream.
func (r *RotatingClient) CompletionStream(ctx context.Context, provider string, body []byte) (io.ReadCloser, func(), error) {
	excluded := make(map[*entry]bool)
	var lastErr error
	for attempt := 0; attempt < r.maxCandidates; attempt++ {
		ac, err := r.acquire(ctx, provider, excluded)
		if err != nil {
			var de *detailsError
			if errors.As(err, &de) {
				log.WithError(de.err).Warnf("Credential %s unusable, rotating", de.entry.cred.DisplayName())
				excluded[de.entry] = true
				lastErr = de.err
				continue
			}
			var noCred *apperrors.NoAvailableCredentialError
			if errors.As(err, &noCred) && lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}
		stream, err := r.up.Stream(ctx, provider, ac.details, "chat/completions", body)
		if err == nil {
			return stream, ac.release, nil
		}
		ac.release()
		lastErr = err
		var ue *apperrors.UpstreamError
		if errors.As(err, &ue) && ue.IsCredentialScoped() {
			r.handleCredentialError(ac.entry, ue)
			excluded[ac.entry] = true
			continue
		}
		return nil, nil, err
	}
	return nil, nil, lastErr
}

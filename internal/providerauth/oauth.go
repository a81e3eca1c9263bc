package providerauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/statestore"
)

// OAuthAuthenticator manages the token lifecycle for one OAuth provider:
// inline refresh with an expiry buffer, failure backoff, queued background
// refresh, and coordinated interactive re-authentication.
type OAuthAuthenticator struct {
	spec        Spec
	store       *credential.Store
	states      statestore.Backend
	coordinator *ReauthCoordinator
	queue       *RefreshQueue

	httpClient    *http.Client
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	refreshBuffer time.Duration
	reauthTimeout time.Duration

	electronMode   bool
	openBrowser    func(url string) error
	promptIdentity func(ctx context.Context) (string, error)
	out            io.Writer

	mu           sync.Mutex
	refreshLocks map[string]*sync.Mutex
	failures     map[string]int
	nextRefresh  map[string]time.Time
}

// OAuthOption customizes an OAuthAuthenticator.
type OAuthOption func(*OAuthAuthenticator)

// WithHTTPClient overrides the HTTP client used for token endpoints.
func WithHTTPClient(client *http.Client) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSleepFunc overrides retry/poll waits (testing).
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// WithRefreshBuffer sets how long before expiry a token counts as expired.
func WithRefreshBuffer(d time.Duration) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if d > 0 {
			a.refreshBuffer = d
		}
	}
}

// WithReauthTimeout bounds the interactive device flow.
func WithReauthTimeout(d time.Duration) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if d > 0 {
			a.reauthTimeout = d
		}
	}
}

// WithStateBackend persists backoff counters and availability across restarts.
func WithStateBackend(backend statestore.Backend) OAuthOption {
	return func(a *OAuthAuthenticator) { a.states = backend }
}

// WithElectronMode emits OAUTH_URL lines instead of opening a browser.
func WithElectronMode(enabled bool) OAuthOption {
	return func(a *OAuthAuthenticator) { a.electronMode = enabled }
}

// WithBrowserOpener overrides how verification URLs are opened.
func WithBrowserOpener(open func(url string) error) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if open != nil {
			a.openBrowser = open
		}
	}
}

// WithIdentityPrompt overrides the post-authorization identity prompt.
func WithIdentityPrompt(prompt func(ctx context.Context) (string, error)) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if prompt != nil {
			a.promptIdentity = prompt
		}
	}
}

// WithOutput redirects device-flow console output (testing).
func WithOutput(w io.Writer) OAuthOption {
	return func(a *OAuthAuthenticator) {
		if w != nil {
			a.out = w
		}
	}
}

// WithQueueOptions forwards options to the internal refresh queue.
func WithQueueOptions(opts ...QueueOption) OAuthOption {
	return func(a *OAuthAuthenticator) {
		for _, opt := range opts {
			opt(a.queue)
		}
	}
}

// NewOAuthAuthenticator creates the lifecycle manager for one provider spec.
// The coordinator is shared process-wide so interactive flows never overlap.
func NewOAuthAuthenticator(spec Spec, store *credential.Store, coordinator *ReauthCoordinator, opts ...OAuthOption) *OAuthAuthenticator {
	a := &OAuthAuthenticator{
		spec:          spec,
		store:         store,
		coordinator:   coordinator,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
		refreshBuffer: 3 * time.Hour,
		reauthTimeout: 5 * time.Minute,
		openBrowser:   openBrowser,
		out:           os.Stdout,
		refreshLocks:  make(map[string]*sync.Mutex),
		failures:      make(map[string]int),
		nextRefresh:   make(map[string]time.Time),
	}
	a.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	a.promptIdentity = func(context.Context) (string, error) { return "", nil }
	a.queue = newRefreshQueue(spec.Name, a.processQueued)
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.queue.now = a.now
	return a
}

// Spec returns the provider spec this authenticator serves.
func (a *OAuthAuthenticator) Spec() Spec { return a.spec }

func (a *OAuthAuthenticator) refreshLock(source string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.refreshLocks[source]; ok {
		return l
	}
	l := &sync.Mutex{}
	a.refreshLocks[source] = l
	return l
}

// current returns the freshest in-memory copy of a credential, falling back
// to the caller's snapshot.
func (a *OAuthAuthenticator) current(cred *credential.Credential) *credential.Credential {
	if cached, ok := a.store.Cached(cred.Source); ok {
		cached.Provider = cred.Provider
		cached.ID = cred.ID
		cached.Kind = cred.Kind
		cached.Source = cred.Source
		return cached
	}
	return cred
}

// Initialize validates a credential at startup. Missing tokens trigger the
// interactive flow; expired tokens with a refresh token go through refresh.
func (a *OAuthAuthenticator) Initialize(ctx context.Context, cred *credential.Credential) error {
	cur := a.current(cred)
	if cur.AccessToken == "" && cur.RefreshToken == "" {
		log.Infof("Credential %s has no tokens, starting interactive authorization", cred.DisplayName())
		return a.InteractiveReauth(ctx, cred)
	}
	if cur.ExpiresWithin(a.now(), a.refreshBuffer) {
		if err := a.Refresh(ctx, cred, false); err != nil {
			return fmt.Errorf("initialize %s: %w", cred.DisplayName(), err)
		}
	}
	return nil
}

// GetAPIDetails returns a ready-to-use base URL and token, refreshing inline
// when the token is inside the expiry buffer.
func (a *OAuthAuthenticator) GetAPIDetails(ctx context.Context, cred *credential.Credential) (APIDetails, error) {
	cur := a.current(cred)
	if cur.ExpiresWithin(a.now(), a.refreshBuffer) {
		if err := a.Refresh(ctx, cred, false); err != nil {
			return APIDetails{}, err
		}
		cur = a.current(cred)
	}

	baseURL := normalizeResourceURL(cur.ResourceURL)
	if baseURL == "" {
		baseURL = a.spec.BaseURL
	}
	token := cur.AccessToken
	if a.spec.PreferAPIKeyExtra && cur.Extras.APIKey != "" {
		token = cur.Extras.APIKey
	}
	if token == "" {
		return APIDetails{}, fmt.Errorf("credential %s has no usable token", cred.DisplayName())
	}
	return APIDetails{BaseURL: baseURL, Token: token}, nil
}

// GetUserInfo returns the account email recorded in the credential metadata.
func (a *OAuthAuthenticator) GetUserInfo(_ context.Context, cred *credential.Credential) (string, error) {
	return a.current(cred).Metadata.Email, nil
}

// ProactivelyRefresh queues a background refresh when the credential is
// inside the expiry buffer. Called by the background refresher tick.
func (a *OAuthAuthenticator) ProactivelyRefresh(cred *credential.Credential) {
	cur := a.current(cred)
	if !cur.ExpiresWithin(a.now(), a.refreshBuffer) {
		return
	}
	a.queue.Enqueue(cred.Source, false, false, a.suppressedUntil(cred.Source))
}

// QueueReauth queues an interactive re-authentication after an upstream
// 401/403. Reauth requests bypass backoff since they need user input anyway.
func (a *OAuthAuthenticator) QueueReauth(cred *credential.Credential) {
	a.queue.Enqueue(cred.Source, false, true, time.Time{})
}

// IsAvailable reports whether a credential may be handed to the rotator (not
// queued for refresh, or stuck past the unavailability TTL).
func (a *OAuthAuthenticator) IsAvailable(source string) bool {
	return a.queue.IsAvailable(source)
}

// Close stops the queue worker.
func (a *OAuthAuthenticator) Close() {
	a.queue.Close()
}

// processQueued is the refresh queue's executor: it re-checks expiry under
// the credential lock and performs the refresh or reauth.
func (a *OAuthAuthenticator) processQueued(ctx context.Context, source string, force, needsReauth bool) {
	cred, ok := a.store.Cached(source)
	if !ok {
		var err error
		cred, err = a.store.Read(source)
		if err != nil {
			log.WithError(err).Warnf("Queued refresh for %s skipped, credential unreadable", source)
			return
		}
	}
	cred.Source = source
	cred.Kind = credential.KindOAuth
	cred.Provider = a.spec.Name

	if needsReauth {
		if err := a.InteractiveReauth(ctx, cred); err != nil {
			log.WithError(err).Errorf("Queued re-authentication failed for %s", cred.DisplayName())
		}
		return
	}
	if !force && !cred.ExpiresWithin(a.now(), a.refreshBuffer) {
		return
	}
	if err := a.Refresh(ctx, cred, force); err != nil {
		log.WithError(err).Warnf("Queued refresh failed for %s", cred.DisplayName())
	}
}

func (a *OAuthAuthenticator) suppressedUntil(source string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if until, ok := a.nextRefresh[source]; ok {
		return until
	}
	// Fall back to persisted state so backoff survives restarts.
	if a.states != nil {
		if st, err := a.states.Get(context.Background(), a.spec.Name, source); err == nil && st.SuppressUntil > 0 {
			until := time.Unix(int64(st.SuppressUntil), 0)
			a.nextRefresh[source] = until
			a.failures[source] = st.FailureCount
			return until
		}
	}
	return time.Time{}
}

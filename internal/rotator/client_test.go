package rotator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/providerauth"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/upstream"
)

type rotatorClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *rotatorClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *rotatorClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// upstreamRecorder replays canned per-key responses and records which key
// served each request.
type upstreamRecorder struct {
	mu       sync.Mutex
	served   []string
	statuses map[string][]int // per-token status sequence; empty means 200
	headers  map[string]http.Header
}

func newUpstreamRecorder() *upstreamRecorder {
	return &upstreamRecorder{
		statuses: make(map[string][]int),
		headers:  make(map[string]http.Header),
	}
}

func (u *upstreamRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		u.mu.Lock()
		u.served = append(u.served, token)
		status := http.StatusOK
		if queue := u.statuses[token]; len(queue) > 0 {
			status = queue[0]
			u.statuses[token] = queue[1:]
		}
		hdr := u.headers[token]
		u.mu.Unlock()

		for k, vs := range hdr {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"id":"resp-1"}`))
		} else {
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}
	}
}

func (u *upstreamRecorder) servedTokens() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.served...)
}

func newRotator(t *testing.T, srvURL string, clock *rotatorClock, keys []string, opts ...Option) *RotatingClient {
	t.Helper()
	base := []Option{WithNowFunc(clock.Now)}
	r := New(upstream.NewClient(), append(base, opts...)...)
	for _, key := range keys {
		r.Register(&credential.Credential{
			Provider:        "openai",
			ID:              key,
			Kind:            credential.KindAPIKey,
			Source:          "env://openai/" + key,
			APIKey:          key,
			BaseURLOverride: srvURL,
		}, providerauth.NewAPIKeyAuth("openai"))
	}
	return r
}

func TestCompletionSingleKey(t *testing.T) {
	rec := newUpstreamRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a"})

	out, err := r.Completion(context.Background(), "openai", []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"resp-1"}`, string(out))
	assert.Equal(t, []string{"key-a"}, rec.servedTokens())
}

func TestRotationOnRateLimit(t *testing.T) {
	rec := newUpstreamRecorder()
	rec.statuses["key-a"] = []int{429}
	rec.headers["key-a"] = http.Header{"Retry-After": {"90"}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a", "key-b"})

	out, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"resp-1"}`, string(out))
	assert.Equal(t, []string{"key-a", "key-b"}, rec.servedTokens())

	// key-a stays in cooldown for its Retry-After window.
	clock.Advance(89 * time.Second)
	_, err = r.Completion(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b", "key-b"}, rec.servedTokens())

	clock.Advance(2 * time.Second)
	_, err = r.Completion(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "key-a", rec.servedTokens()[3], "cooldown expiry returns the key to rotation")
}

func TestLeastRecentlyUsedSelection(t *testing.T) {
	rec := newUpstreamRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a", "key-b"},
		WithMaxConcurrentFunc(func(string) int { return 4 }))

	for i := 0; i < 4; i++ {
		_, err := r.Completion(context.Background(), "openai", []byte(`{}`))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	assert.Equal(t, []string{"key-a", "key-b", "key-a", "key-b"}, rec.servedTokens())
}

func TestExhaustedCandidatesReturnUpstreamError(t *testing.T) {
	rec := newUpstreamRecorder()
	rec.statuses["key-a"] = []int{429, 429, 429}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a"})

	_, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	var ue *apperrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 429, ue.Status)
	assert.Equal(t, []string{"key-a"}, rec.servedTokens(), "a cooled-down key is not retried")
}

func TestRequestScopedErrorDoesNotRotate(t *testing.T) {
	rec := newUpstreamRecorder()
	rec.statuses["key-a"] = []int{400}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a", "key-b"})

	_, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	var ue *apperrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 400, ue.Status)
	assert.Equal(t, []string{"key-a"}, rec.servedTokens(), "client errors are the request's fault, not the key's")
}

// brokenAuth fails detail resolution, the way an OAuth credential does when
// its inline token refresh cannot produce a usable token.
type brokenAuth struct {
	providerauth.Authenticator
	err error
}

func (b *brokenAuth) GetAPIDetails(context.Context, *credential.Credential) (providerauth.APIDetails, error) {
	return providerauth.APIDetails{}, b.err
}

func TestDetailResolutionFailureRotates(t *testing.T) {
	rec := newUpstreamRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}

	refreshErr := errors.New("token refresh failed: upstream 500")
	r := New(upstream.NewClient(), WithNowFunc(clock.Now))
	r.Register(&credential.Credential{
		Provider: "openai",
		ID:       "oauth-broken",
		Kind:     credential.KindOAuth,
		Source:   "env://openai/oauth-broken",
	}, &brokenAuth{Authenticator: providerauth.NewAPIKeyAuth("openai"), err: refreshErr})
	r.Register(&credential.Credential{
		Provider:        "openai",
		ID:              "key-b",
		Kind:            credential.KindAPIKey,
		Source:          "env://openai/key-b",
		APIKey:          "key-b",
		BaseURLOverride: srv.URL,
	}, providerauth.NewAPIKeyAuth("openai"))

	out, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"resp-1"}`, string(out))
	assert.Equal(t, []string{"key-b"}, rec.servedTokens(), "the broken credential never reaches the upstream")
}

func TestAllDetailResolutionFailuresSurfaceLastError(t *testing.T) {
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}

	refreshErr := errors.New("token refresh failed: upstream 500")
	r := New(upstream.NewClient(), WithNowFunc(clock.Now))
	r.Register(&credential.Credential{
		Provider: "openai",
		ID:       "oauth-broken",
		Kind:     credential.KindOAuth,
		Source:   "env://openai/oauth-broken",
	}, &brokenAuth{Authenticator: providerauth.NewAPIKeyAuth("openai"), err: refreshErr})

	_, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	assert.ErrorIs(t, err, refreshErr)
}

func TestStreamRotatesPastDetailResolutionFailure(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}

	r := New(upstream.NewClient(), WithNowFunc(clock.Now))
	r.Register(&credential.Credential{
		Provider: "openai",
		ID:       "oauth-broken",
		Kind:     credential.KindOAuth,
		Source:   "env://openai/oauth-broken",
	}, &brokenAuth{Authenticator: providerauth.NewAPIKeyAuth("openai"), err: errors.New("token refresh failed")})
	r.Register(&credential.Credential{
		Provider:        "openai",
		ID:              "key-b",
		Kind:            credential.KindAPIKey,
		Source:          "env://openai/key-b",
		APIKey:          "key-b",
		BaseURLOverride: srv.URL,
	}, providerauth.NewAPIKeyAuth("openai"))

	stream, release, err := r.CompletionStream(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	defer release()
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chunk-1")
}

func TestUnknownProviderHasNoCredentials(t *testing.T) {
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := New(upstream.NewClient(), WithNowFunc(clock.Now))

	_, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	var noCred *apperrors.NoAvailableCredentialError
	assert.ErrorAs(t, err, &noCred)
}

func streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"id\":\"chunk-1\"}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}
}

func TestStreamHoldsSlotUntilReleased(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a"},
		WithWaitTimeout(30*time.Millisecond))

	stream, release, err := r.CompletionStream(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	defer stream.Close()

	// The single slot is held by the open stream.
	_, err = r.Completion(context.Background(), "openai", []byte(`{}`))
	var noCred *apperrors.NoAvailableCredentialError
	require.ErrorAs(t, err, &noCred)

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: [DONE]")

	release()
	_, err = r.Completion(context.Background(), "openai", []byte(`{}`))
	assert.NoError(t, err)

	// Double release must not free a slot twice.
	release()
	release()
}

// queueingAuth wraps the API-key lifecycle with the OAuth-style reauth queue
// and availability hooks so rotation policy can be observed directly.
type queueingAuth struct {
	providerauth.Authenticator

	mu          sync.Mutex
	queued      []string
	unavailable map[string]bool
}

func (q *queueingAuth) QueueReauth(cred *credential.Credential) {
	q.mu.Lock()
	q.queued = append(q.queued, cred.Source)
	q.unavailable[cred.Source] = true
	q.mu.Unlock()
}

func (q *queueingAuth) IsAvailable(source string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.unavailable[source]
}

func TestAuthFailureQueuesReauthAndRotates(t *testing.T) {
	rec := newUpstreamRecorder()
	rec.statuses["key-a"] = []int{401}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}

	auth := &queueingAuth{
		Authenticator: providerauth.NewAPIKeyAuth("openai"),
		unavailable:   make(map[string]bool),
	}
	r := New(upstream.NewClient(), WithNowFunc(clock.Now))
	for _, key := range []string{"key-a", "key-b"} {
		r.Register(&credential.Credential{
			Provider:        "openai",
			ID:              key,
			Kind:            credential.KindAPIKey,
			Source:          "env://openai/" + key,
			APIKey:          key,
			BaseURLOverride: srv.URL,
		}, auth)
	}

	_, err := r.Completion(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, rec.servedTokens())
	assert.Equal(t, []string{"env://openai/key-a"}, auth.queued)

	// While queued for re-auth the credential is out of rotation.
	_, err = r.Completion(context.Background(), "openai", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "key-b", rec.servedTokens()[2])
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models"))
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o"}]}`))
	}))
	defer srv.Close()
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := newRotator(t, srv.URL, clock, []string{"key-a"})

	out, err := r.ListModels(context.Background(), "openai")
	require.NoError(t, err)
	assert.Contains(t, string(out), "gpt-4o")
}

func TestProvidersAndCredentials(t *testing.T) {
	clock := &rotatorClock{t: time.Unix(1700000000, 0)}
	r := New(upstream.NewClient(), WithNowFunc(clock.Now))
	r.Register(&credential.Credential{Provider: "OpenAI", ID: "k1", Kind: credential.KindAPIKey, Source: "env://openai/1", APIKey: "k"}, providerauth.NewAPIKeyAuth("openai"))
	r.Register(&credential.Credential{Provider: "groq", ID: "k2", Kind: credential.KindAPIKey, Source: "env://groq/1", APIKey: "k"}, providerauth.NewAPIKeyAuth("groq"))

	assert.Equal(t, []string{"groq", "openai"}, r.Providers())
	assert.Len(t, r.Credentials("openai"), 1)
	assert.Len(t, r.AllCredentials(), 2)
}

package providerauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
)

func TestBackgroundRefresherQueuesNearExpiryTokens(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		writeToken(w, "refreshed-token")
	}))
	defer srv.Close()

	clock := newFakeClock()
	rec := &sleepRecorder{}
	auth, store := newTestAuth(t, srv.URL, clock, rec)

	nearExpiry := seedCredential(t, store)

	farPath := filepath.Join(store.Dir(), "qwen_code_oauth_2.json")
	farOut := &credential.Credential{
		Provider:     "qwen_code",
		ID:           "qwen_code_oauth_2.json",
		Kind:         credential.KindOAuth,
		Source:       farPath,
		AccessToken:  "still-good",
		RefreshToken: "rt",
	}
	farOut.SetExpiresAt(clock.Now().Add(48 * time.Hour))
	require.NoError(t, store.Save(farOut))

	apiKey := &credential.Credential{Provider: "openai", Kind: credential.KindAPIKey, APIKey: "sk"}

	b := NewBackgroundRefresher(10*time.Millisecond,
		func() []*credential.Credential {
			return []*credential.Credential{nearExpiry, farOut, apiKey}
		},
		func(provider string) *OAuthAuthenticator {
			if provider == "qwen_code" {
				return auth
			}
			return nil
		})
	b.Start(context.Background())
	defer b.Stop()

	assert.Eventually(t, func() bool { return posts.Load() >= 1 },
		2*time.Second, 10*time.Millisecond, "near-expiry credential should be refreshed")

	// Only the near-expiry credential hits the token endpoint; follow-up ticks
	// see the fresh token and queue nothing.
	before := posts.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, posts.Load())

	cached, ok := store.Cached(nearExpiry.Source)
	require.True(t, ok)
	assert.Equal(t, "refreshed-token", cached.AccessToken)
}

func TestBackgroundRefresherStopIsIdempotent(t *testing.T) {
	b := NewBackgroundRefresher(time.Hour, func() []*credential.Credential { return nil }, func(string) *OAuthAuthenticator { return nil })
	b.Start(context.Background())
	b.Stop()
	b.Stop()
}

package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/providerauth"
)

func TestDoSendsAuthAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"gpt-4o"}`, string(body))
		_, _ = w.Write([]byte(`{"id":"cmpl-1"}`))
	}))
	defer srv.Close()

	c := NewClient()
	details := providerauth.APIDetails{BaseURL: srv.URL + "/v1/", Token: "tok-1"}
	out, err := c.Do(context.Background(), "openai", details, "chat/completions", []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"cmpl-1"}`, string(out))
}

func TestDoClassifiesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewClient()
	details := providerauth.APIDetails{BaseURL: srv.URL, Token: "tok-1"}
	_, err := c.Do(context.Background(), "openai", details, "chat/completions", []byte(`{}`))

	var ue *apperrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "openai", ue.Provider)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, 30*time.Second, ue.RetryAfter)
	assert.Contains(t, string(ue.Body), "slow down")
	assert.True(t, ue.IsCredentialScoped())
}

func TestStreamHandsBodyToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		_, _ = w.Write([]byte("data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewClient()
	details := providerauth.APIDetails{BaseURL: srv.URL, Token: "tok-1"}
	stream, err := c.Stream(context.Background(), "openai", details, "chat/completions", []byte(`{}`))
	require.NoError(t, err)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: [DONE]")
}

func TestStreamErrorBeforeFirstByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := NewClient()
	details := providerauth.APIDetails{BaseURL: srv.URL, Token: "tok-1"}
	_, err := c.Stream(context.Background(), "openai", details, "chat/completions", []byte(`{}`))

	var ue *apperrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusUnauthorized, ue.Status)
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	c := NewClient()
	details := providerauth.APIDetails{BaseURL: srv.URL, Token: "tok-1"}
	out, err := c.Get(context.Background(), "openai", details, "models")
	require.NoError(t, err)
	assert.JSONEq(t, `{"object":"list","data":[]}`, string(out))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1/models", joinURL("https://api.openai.com/v1", "models"))
	assert.Equal(t, "https://api.openai.com/v1/models", joinURL("https://api.openai.com/v1/", "/models"))
}

func TestParseRetryAfterSecondsAndDate(t *testing.T) {
	assert.Equal(t, 45*time.Second, parseRetryAfter("45"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("not-a-number"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.InDelta(t, 90, got.Seconds(), 2)
}

package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/providerauth"
)

// Client is a thin adapter over OpenAI-compatible upstreams. It knows the
// wire paths and error envelope; rotation and credential policy live above
// it.
type Client struct {
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport. The default has no overall timeout
// because streaming responses are long-lived.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds an upstream client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Do performs a unary JSON POST and returns the response body. Non-2xx
// statuses become *apperrors.UpstreamError with the parsed Retry-After hint.
func (c *Client) Do(ctx context.Context, provider string, details providerauth.APIDetails, path string, body []byte) ([]byte, error) {
	resp, err := c.post(ctx, provider, details, path, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return out, nil
}

// Stream performs a streaming POST and hands the raw body to the caller.
// The caller owns closing it. Non-2xx statuses are read fully and returned
// as *apperrors.UpstreamError.
func (c *Client) Stream(ctx context.Context, provider string, details providerauth.APIDetails, path string, body []byte) (io.ReadCloser, error) {
	resp, err := c.post(ctx, provider, details, path, body, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Get performs a GET (model listing) and returns the body.
func (c *Client) Get(ctx context.Context, provider string, details providerauth.APIDetails, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(details.BaseURL, path), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+details.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(provider, resp)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, provider string, details providerauth.APIDetails, path string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(details.BaseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+details.Token)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, upstreamError(provider, resp)
	}
	return resp, nil
}

// upstreamError builds the structured error from a non-2xx response.
func upstreamError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &apperrors.UpstreamError{
		Provider:   provider,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       body,
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

package providerauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/statestore"
)

const maxRefreshAttempts = 3

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
	ResourceURL  string  `json:"resource_url"`
	TokenType    string  `json:"token_type"`
}

// Refresh performs a token refresh under the per-credential lock. Concurrent
// callers coalesce: whoever enters first does the POST, the rest observe the
// fresh token on re-check and return immediately.
func (a *OAuthAuthenticator) Refresh(ctx context.Context, cred *credential.Credential, force bool) error {
	lock := a.refreshLock(cred.Source)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: a queued or concurrent refresh may already
	// have renewed the token.
	cur := a.current(cred)
	if !force && !cur.ExpiresWithin(a.now(), a.refreshBuffer) {
		*cred = *cur
		return nil
	}

	if !force {
		if until := a.suppressedUntil(cred.Source); a.now().Before(until) {
			return fmt.Errorf("refresh for %s suppressed until %s (backoff)",
				cred.DisplayName(), until.Format(time.RFC3339))
		}
	}

	if cur.RefreshToken == "" {
		a.recordFailure(cred.Source, "no refresh token")
		return fmt.Errorf("credential %s has no refresh token", cred.DisplayName())
	}
	if a.endpointFor(cur) == "" {
		return fmt.Errorf("provider %s has no token refresh endpoint", a.spec.Name)
	}

	log.Debugf("Refreshing OAuth token for %s", cred.DisplayName())

	var (
		tok     *tokenResponse
		lastErr error
	)
	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		var err error
		tok, err = a.postRefresh(ctx, cur)
		if err == nil {
			break
		}
		lastErr = err

		var invalid *apperrors.RefreshInvalidGrantError
		if errors.As(err, &invalid) {
			log.Warnf("Refresh token invalid for %s (HTTP %d), starting re-authentication",
				cred.DisplayName(), invalid.Status)
			if reauthErr := a.interactiveReauthLocked(ctx, cred); reauthErr != nil {
				a.recordFailure(cred.Source, reauthErr.Error())
				return fmt.Errorf("refresh token invalid and re-authentication failed: %w", reauthErr)
			}
			a.recordSuccess(cred.Source)
			*cred = *a.current(cred)
			return nil
		}

		var transient *apperrors.RefreshTransientError
		if !errors.As(err, &transient) {
			break
		}
		if attempt == maxRefreshAttempts-1 {
			break
		}
		wait := time.Duration(1<<uint(attempt)) * time.Second
		if transient.Status == http.StatusTooManyRequests {
			wait = transient.RetryAfter
			if wait <= 0 {
				wait = 60 * time.Second
			}
			log.Warnf("Token endpoint rate limited for %s, retrying in %s", cred.DisplayName(), wait)
		} else {
			log.Warnf("Transient refresh failure for %s (attempt %d/%d), retrying in %s: %v",
				cred.DisplayName(), attempt+1, maxRefreshAttempts, wait, err)
		}
		if sleepErr := a.sleep(ctx, wait); sleepErr != nil {
			a.recordFailure(cred.Source, sleepErr.Error())
			return sleepErr
		}
	}

	if tok == nil {
		a.recordFailure(cred.Source, lastErr.Error())
		return fmt.Errorf("token refresh failed for %s: %w", cred.DisplayName(), lastErr)
	}

	if tok.AccessToken == "" {
		a.recordFailure(cred.Source, "empty access token in refresh response")
		return fmt.Errorf("token endpoint returned empty access token for %s", cred.DisplayName())
	}

	cur.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cur.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		cur.SetExpiresAt(a.now().Add(time.Duration(tok.ExpiresIn * float64(time.Second))))
	}
	if tok.ResourceURL != "" {
		cur.ResourceURL = tok.ResourceURL
	}
	cur.Metadata.LastCheckTimestamp = float64(a.now().Unix())

	if err := a.store.Save(cur); err != nil {
		return fmt.Errorf("persist refreshed credential %s: %w", cred.DisplayName(), err)
	}
	a.recordSuccess(cred.Source)
	*cred = *cur
	log.Infof("Token refreshed for %s", cred.DisplayName())
	return nil
}

func (a *OAuthAuthenticator) endpointFor(cred *credential.Credential) string {
	if cred.Extras.TokenURI != "" {
		return cred.Extras.TokenURI
	}
	return a.spec.TokenEndpoint
}

// postRefresh performs one grant_type=refresh_token POST and classifies the
// outcome into the error taxonomy.
func (a *OAuthAuthenticator) postRefresh(ctx context.Context, cred *credential.Credential) (*tokenResponse, error) {
	clientID := cred.Extras.ClientID
	if clientID == "" {
		clientID = a.spec.ClientID
	}
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {clientID},
	}
	if cred.Extras.ClientSecret != "" {
		data.Set("client_secret", cred.Extras.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpointFor(cred), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", deviceUserAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.RefreshTransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		return &tok, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &apperrors.RefreshInvalidGrantError{Status: resp.StatusCode, Body: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &apperrors.RefreshTransientError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("token endpoint rate limited: %s", body),
		}
	case resp.StatusCode >= 500:
		return nil, &apperrors.RefreshTransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("token endpoint server error: %s", body),
		}
	default:
		return nil, fmt.Errorf("token refresh failed (HTTP %d): %s", resp.StatusCode, body)
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

// recordFailure bumps the consecutive-failure counter and suppresses further
// automated refreshes for min(300, 30*2^F) seconds.
func (a *OAuthAuthenticator) recordFailure(source, reason string) {
	a.mu.Lock()
	a.failures[source]++
	count := a.failures[source]
	backoff := 30 * (1 << uint(count))
	if backoff > 300 {
		backoff = 300
	}
	until := a.now().Add(time.Duration(backoff) * time.Second)
	a.nextRefresh[source] = until
	a.mu.Unlock()

	log.Debugf("Refresh backoff for %s: %ds (failure #%d)", source, backoff, count)

	if a.states != nil {
		st := &statestore.CredentialState{
			FailureCount:  count,
			SuppressUntil: float64(until.Unix()),
			LastError:     reason,
		}
		if err := a.states.Put(context.Background(), a.spec.Name, source, st); err != nil {
			log.WithError(err).Debugf("Failed to persist backoff state for %s", source)
		}
	}
}

// recordSuccess clears backoff state and stamps the last success time.
func (a *OAuthAuthenticator) recordSuccess(source string) {
	a.mu.Lock()
	delete(a.failures, source)
	delete(a.nextRefresh, source)
	a.mu.Unlock()

	if a.states != nil {
		st := &statestore.CredentialState{LastSuccess: float64(a.now().Unix())}
		if err := a.states.Put(context.Background(), a.spec.Name, source, st); err != nil {
			log.WithError(err).Debugf("Failed to persist success state for %s", source)
		}
	}
}

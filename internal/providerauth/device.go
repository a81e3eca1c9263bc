package providerauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
)

// deviceCodeResponse is the device authorization endpoint's body.
type deviceCodeResponse struct {
	DeviceCode              string  `json:"device_code"`
	UserCode                string  `json:"user_code"`
	VerificationURI         string  `json:"verification_uri"`
	VerificationURIComplete string  `json:"verification_uri_complete"`
	ExpiresIn               float64 `json:"expires_in"`
	Interval                float64 `json:"interval"`
}

type devicePollError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// InteractiveReauth runs the device-code flow through the global coordinator
// and persists the resulting token set.
func (a *OAuthAuthenticator) InteractiveReauth(ctx context.Context, cred *credential.Credential) error {
	lock := a.refreshLock(cred.Source)
	lock.Lock()
	defer lock.Unlock()
	return a.interactiveReauthLocked(ctx, cred)
}

// interactiveReauthLocked is the reauth path for callers already holding the
// credential's refresh lock (the refresh retry loop).
func (a *OAuthAuthenticator) interactiveReauthLocked(ctx context.Context, cred *credential.Credential) error {
	if a.spec.DeviceEndpoint == "" {
		return fmt.Errorf("provider %s does not support interactive authorization", a.spec.Name)
	}
	reauthID := a.spec.Name + ":" + cred.ID
	return a.coordinator.Execute(ctx, reauthID, func(flowCtx context.Context) error {
		return a.runDeviceFlow(flowCtx, cred)
	})
}

// runDeviceFlow performs PKCE device authorization: request a device code,
// direct the user to the verification URL, poll the token endpoint until
// authorized or expired.
func (a *OAuthAuthenticator) runDeviceFlow(ctx context.Context, cred *credential.Credential) error {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return fmt.Errorf("generate code verifier: %w", err)
	}

	dev, err := a.requestDeviceCode(ctx, verifier)
	if err != nil {
		return err
	}

	a.presentVerificationURL(dev, cred.DisplayName())

	tok, err := a.pollForToken(ctx, dev, verifier)
	if err != nil {
		return err
	}

	cur := a.current(cred)
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

	// Prompt for an identifier when the credential has none; without one
	// this account cannot be deduplicated.
	if cur.Metadata.Email == "" {
		if identity, promptErr := a.promptIdentity(ctx); promptErr == nil && identity != "" {
			cur.Metadata.Email = strings.TrimSpace(identity)
		} else {
			log.Warn("No identifier provided after authorization; deduplication will not be possible")
		}
	}

	if err := a.store.Save(cur); err != nil {
		return fmt.Errorf("persist authorized credential: %w", err)
	}
	*cred = *cur
	log.Infof("Interactive authorization completed for %s", cred.DisplayName())
	return nil
}

func (a *OAuthAuthenticator) requestDeviceCode(ctx context.Context, verifier string) (*deviceCodeResponse, error) {
	data := url.Values{
		"client_id":             {a.spec.ClientID},
		"scope":                 {a.spec.Scope},
		"code_challenge":        {codeChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.DeviceEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build device code request: %w", err)
	}
	setDeviceHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request failed (HTTP %d): %s", resp.StatusCode, body)
	}
	var dev deviceCodeResponse
	if err := json.Unmarshal(body, &dev); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}
	if dev.DeviceCode == "" || dev.VerificationURIComplete == "" {
		return nil, fmt.Errorf("device code response missing fields")
	}
	return &dev, nil
}

// presentVerificationURL shows the URL to the user through whichever channel
// applies: Electron capture line, browser open, or console only (headless).
func (a *OAuthAuthenticator) presentVerificationURL(dev *deviceCodeResponse, displayName string) {
	fmt.Fprintf(a.out, "\nAuthorization required for %s (%s)\n", displayName, a.spec.Name)
	fmt.Fprintf(a.out, "Visit the URL below to sign in and authorize:\n%s\n\n", dev.VerificationURIComplete)

	switch {
	case a.electronMode:
		// The wrapping desktop app scans stdout for this exact prefix.
		fmt.Fprintf(a.out, "OAUTH_URL:%s\n", dev.VerificationURIComplete)
		log.Info("Electron mode: verification URL emitted for capture")
	case IsHeadlessEnvironment():
		log.Info("Headless environment detected, not opening a browser")
	default:
		if err := a.openBrowser(dev.VerificationURIComplete); err != nil {
			log.WithError(err).Warn("Failed to open browser, please open the URL manually")
		}
	}
}

// pollForToken polls the token endpoint at the server-provided interval until
// the user authorizes, the flow expires, or the context is cancelled.
// slow_down responses grow the interval by 1.5x, capped at 10s.
func (a *OAuthAuthenticator) pollForToken(ctx context.Context, dev *deviceCodeResponse, verifier string) (*tokenResponse, error) {
	interval := time.Duration(dev.Interval * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := a.now().Add(time.Duration(dev.ExpiresIn * float64(time.Second)))

	for a.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, retry, err := a.pollOnce(ctx, dev, verifier, &interval)
		if err != nil {
			return nil, err
		}
		if tok != nil {
			return tok, nil
		}
		if !retry {
			break
		}
		if err := a.sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("device authorization flow timed out")
}

func (a *OAuthAuthenticator) pollOnce(ctx context.Context, dev *deviceCodeResponse, verifier string, interval *time.Duration) (*tokenResponse, bool, error) {
	data := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code":   {dev.DeviceCode},
		"client_id":     {a.spec.ClientID},
		"code_verifier": {verifier},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("build token poll request: %w", err)
	}
	setDeviceHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("token poll request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK:
		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, false, fmt.Errorf("decode token response: %w", err)
		}
		log.Info("Device authorization token received")
		return &tok, false, nil
	case http.StatusBadRequest:
		var pollErr devicePollError
		_ = json.Unmarshal(body, &pollErr)
		switch pollErr.Error {
		case "authorization_pending":
			log.Debugf("Authorization pending, polling again in %s", *interval)
			return nil, true, nil
		case "slow_down":
			*interval = time.Duration(float64(*interval) * 1.5)
			if *interval > 10*time.Second {
				*interval = 10 * time.Second
			}
			log.Debugf("Server requested slow down, polling interval now %s", *interval)
			return nil, true, nil
		default:
			desc := pollErr.ErrorDescription
			if desc == "" {
				desc = pollErr.Error
			}
			return nil, false, fmt.Errorf("token polling failed: %s", desc)
		}
	default:
		return nil, false, fmt.Errorf("token polling failed (HTTP %d): %s", resp.StatusCode, body)
	}
}

func setDeviceHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", deviceUserAgent)
}

// PKCE helpers (S256).
func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

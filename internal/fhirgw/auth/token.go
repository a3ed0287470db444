package auth

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
)

// DefaultRefreshBufferSeconds is the default "refresh early" window.
const DefaultRefreshBufferSeconds = 300

// TokenInfo is a cached bearer token with expiry tracking.
type TokenInfo struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int
	Scope       string
	ExpiresAt   time.Time
}

// IsExpired reports whether the token is expired or will expire within
// buffer of now.
func (t *TokenInfo) IsExpired(buffer time.Duration) bool {
	if t == nil {
		return true
	}
	return time.Now().Add(buffer).After(t.ExpiresAt) || time.Now().Add(buffer).Equal(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// httpStatusError records the status and body snippet of a failed token
// request. GetAccessToken folds its text into the message of the
// AUTH_REFRESH_FAILED error it returns.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.status, e.body)
}
func (e *httpStatusError) StatusCode() int { return e.status }

// buildTokenRequestBody constructs the client-credentials (or JWT
// client-assertion) form body.
func buildTokenRequestBody(cfg AuthConfig) (url.Values, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	if cfg.UseJWTAssertion {
		assertion, err := createJWTAssertion(cfg)
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
	} else {
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
	}
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}
	if cfg.Audience != "" {
		form.Set("audience", cfg.Audience)
	}
	return form, nil
}

// createJWTAssertion signs an RS384 JWT client assertion with claims
// {iss=sub=client_id, aud=token_url, jti=UUID, iat=now, exp=now+5m}, the
// shape SMART backend-services token endpoints verify.
func createJWTAssertion(cfg AuthConfig) (string, error) {
	pemBytes, err := os.ReadFile(cfg.ClientSecretPath)
	if err != nil {
		return "", &fhirerr.FHIRConnectionError{
			Kind:    fhirerr.KindKeyLoadFailed,
			State:   fhirerr.StateUnknown,
			Message: fmt.Sprintf("failed to load private key from %s: %v", cfg.ClientSecretPath, err),
			Cause:   err,
		}
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", &fhirerr.FHIRConnectionError{
			Kind: fhirerr.KindKeyLoadFailed, State: fhirerr.StateUnknown,
			Message: fmt.Sprintf("no PEM block found in %s", cfg.ClientSecretPath),
		}
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return "", &fhirerr.FHIRConnectionError{
			Kind: fhirerr.KindKeyLoadFailed, State: fhirerr.StateUnknown,
			Message: fmt.Sprintf("failed to parse private key from %s: %v", cfg.ClientSecretPath, err),
			Cause:   err,
		}
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": cfg.ClientID,
		"sub": cfg.ClientID,
		"aud": cfg.TokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if cfg.KeyID != "" {
		token.Header["kid"] = cfg.KeyID
	}
	return token.SignedString(key)
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an RSA key")
	}
	return key, nil
}

// postToken issues the token request and parses the response, shared by
// both the sync and async managers.
func postToken(ctx context.Context, httpClient *http.Client, cfg AuthConfig) (*TokenInfo, error) {
	body, err := buildTokenRequestBody(cfg)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.TokenURL, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, fhirerr.NewConnectionError(err.Error(), "")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fhirerr.NewConnectionError(err.Error(), "")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fhirerr.NewInvalidJSONResponseError("refresh", cfg.TokenURL, err)
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}
	if tr.ExpiresIn == 0 {
		tr.ExpiresIn = 3600
	}
	return &TokenInfo{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		ExpiresIn:   tr.ExpiresIn,
		Scope:       tr.Scope,
		ExpiresAt:   time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// TokenManager is the mutex-serialized token manager: safe to share
// across goroutines, with at most one refresh per expiry cycle even under
// contention.
type TokenManager struct {
	cfg           AuthConfig
	httpClient    *http.Client
	refreshBuffer time.Duration

	mu    sync.Mutex
	token *TokenInfo
}

// NewTokenManager constructs a sync TokenManager for cfg.
func NewTokenManager(cfg AuthConfig, httpClient *http.Client) *TokenManager {
	if httpClient == nil {
		httpClient = defaultHTTPClient(cfg)
	}
	return &TokenManager{cfg: cfg, httpClient: httpClient, refreshBuffer: DefaultRefreshBufferSeconds * time.Second}
}

// defaultHTTPClient builds the token-endpoint client, honoring the source's
// timeout and TLS-verification settings.
func defaultHTTPClient(cfg AuthConfig) *http.Client {
	transport := &http.Transport{}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in via verify_ssl=false
	}
	return &http.Client{
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
		Transport: transport,
	}
}

// GetAccessToken returns a valid token, refreshing under the manager's
// mutex if necessary. All callers serialize on the same lock, so only one
// refresh is in flight at a time and every waiter observes the new token.
func (m *TokenManager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil || m.token.IsExpired(m.refreshBuffer) {
		tok, err := postToken(ctx, m.httpClient, m.cfg)
		if err != nil {
			return "", fhirerr.NewAuthenticationError(err.Error(), "")
		}
		m.token = tok
	}
	return m.token.AccessToken, nil
}

// InvalidateToken clears the cache, forcing the next call to refresh.
func (m *TokenManager) InvalidateToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
}


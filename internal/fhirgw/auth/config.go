// Package auth implements the gateway's token lifecycle and per-source
// connection configuration: OAuth2 client-credentials token acquisition
// with optional RS384 JWT client-assertion, and the fhir:// connection
// string grammar.
package auth

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
)

// DefaultScope is used when a connection string or AuthConfig omits scope.
const DefaultScope = "system/*.read system/*.write"

// DefaultTimeoutSeconds is the default request timeout for a FHIR source.
const DefaultTimeoutSeconds = 30

// AuthConfig holds the per-source connection and authentication settings.
// It is immutable after construction.
type AuthConfig struct {
	BaseURL   string
	Timeout   int
	VerifyTLS bool

	ClientID         string
	ClientSecret     string
	ClientSecretPath string
	TokenURL         string
	Scope            string
	Audience         string
	UseJWTAssertion  bool
	KeyID            string
}

// RequiresAuth reports whether any auth field is set.
func (c AuthConfig) RequiresAuth() bool {
	return c.ClientID != "" || c.ClientSecret != "" || c.ClientSecretPath != "" ||
		c.TokenURL != "" || c.UseJWTAssertion
}

// Validate enforces the construction invariants: authenticated configs
// need client_id, token_url, and exactly one secret form, and JWT
// assertion requires a key file rather than a literal secret.
func (c AuthConfig) Validate() error {
	if !c.RequiresAuth() {
		return nil
	}
	if c.ClientID == "" || c.TokenURL == "" {
		return fmt.Errorf("%w: client_id and token_url are required when any auth field is set", errConfigInvalid)
	}
	hasSecret := c.ClientSecret != ""
	hasSecretPath := c.ClientSecretPath != ""
	if hasSecret == hasSecretPath {
		return fmt.Errorf("%w: exactly one of client_secret or client_secret_path must be set", errConfigInvalid)
	}
	if c.UseJWTAssertion && !hasSecretPath {
		return fmt.Errorf("%w: use_jwt_assertion requires client_secret_path, not client_secret", errConfigInvalid)
	}
	return nil
}

var errConfigInvalid = fmt.Errorf("invalid auth config")

var knownConnectionKeys = map[string]bool{
	"client_id": true, "client_secret": true, "client_secret_path": true,
	"token_url": true, "scope": true, "audience": true, "timeout": true,
	"verify_ssl": true, "use_jwt_assertion": true, "key_id": true,
}

// NewAuthConfig builds and validates an AuthConfig, defaulting Timeout when
// it is zero and Scope when it is empty on an authenticated config.
// VerifyTLS is taken as given; its zero value disables verification.
func NewAuthConfig(c AuthConfig) (*AuthConfig, error) {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeoutSeconds
	}
	if c.Scope == "" && c.RequiresAuth() {
		c.Scope = DefaultScope
	}
	if err := c.Validate(); err != nil {
		return nil, fhirerr.NewConfigError(err.Error())
	}
	return &c, nil
}

// ParseConnectionString parses a "fhir://host[:port]/path?k=v&..." string
// into an AuthConfig.
func ParseConnectionString(connStr string) (*AuthConfig, error) {
	const scheme = "fhir://"
	if !strings.HasPrefix(connStr, scheme) {
		return nil, fhirerr.NewInvalidConnectionStringError("connection string must start with fhir://")
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fhirerr.NewInvalidConnectionStringError(fmt.Sprintf("failed to parse connection string: %v", err))
	}
	if u.Host == "" {
		return nil, fhirerr.NewInvalidConnectionStringError("invalid connection string: missing hostname")
	}

	q := u.Query()
	for key := range q {
		if !knownConnectionKeys[key] {
			log.Debug().Str("key", key).Msg("fhirgw auth: ignoring unknown connection-string parameter")
		}
	}
	cfg := AuthConfig{
		BaseURL:          "https://" + u.Host + u.Path,
		ClientID:         q.Get("client_id"),
		ClientSecret:     q.Get("client_secret"),
		ClientSecretPath: q.Get("client_secret_path"),
		TokenURL:         q.Get("token_url"),
		Scope:            q.Get("scope"),
		Audience:         q.Get("audience"),
		KeyID:            q.Get("key_id"),
		Timeout:          DefaultTimeoutSeconds,
		VerifyTLS:        true,
	}
	if v := q.Get("timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = n
		}
	}
	if v := q.Get("verify_ssl"); v != "" {
		cfg.VerifyTLS = strings.EqualFold(v, "true")
	}
	if v := q.Get("use_jwt_assertion"); v != "" {
		cfg.UseJWTAssertion = strings.EqualFold(v, "true")
	}

	out, err := NewAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ToConnectionString serializes an AuthConfig back to a fhir:// URI that
// re-parses to an equivalent config, excluding default-valued fields so the
// string stays stable.
func (c AuthConfig) ToConnectionString() string {
	base, err := url.Parse(c.BaseURL)
	host := c.BaseURL
	path := ""
	if err == nil {
		host = base.Host
		path = base.Path
	}

	q := url.Values{}
	if c.ClientID != "" {
		q.Set("client_id", c.ClientID)
	}
	if c.ClientSecret != "" {
		q.Set("client_secret", c.ClientSecret)
	}
	if c.ClientSecretPath != "" {
		q.Set("client_secret_path", c.ClientSecretPath)
	}
	if c.TokenURL != "" {
		q.Set("token_url", c.TokenURL)
	}
	if c.Scope != "" && c.Scope != DefaultScope {
		q.Set("scope", c.Scope)
	}
	if c.Audience != "" {
		q.Set("audience", c.Audience)
	}
	if c.KeyID != "" {
		q.Set("key_id", c.KeyID)
	}
	if c.Timeout != 0 && c.Timeout != DefaultTimeoutSeconds {
		q.Set("timeout", strconv.Itoa(c.Timeout))
	}
	if !c.VerifyTLS {
		q.Set("verify_ssl", "false")
	}
	if c.UseJWTAssertion {
		q.Set("use_jwt_assertion", "true")
	}

	out := "fhir://" + host + path
	if enc := q.Encode(); enc != "" {
		out += "?" + enc
	}
	return out
}

// EnvPrefixConfig loads an AuthConfig from environment variables named
// "<prefix>_CLIENT_ID", "<prefix>_BASE_URL", and so on.
func EnvPrefixConfig(prefix string, lookup func(string) (string, bool)) (*AuthConfig, error) {
	get := func(suffix string) string {
		v, _ := lookup(prefix + "_" + suffix)
		return v
	}

	cfg := AuthConfig{
		BaseURL:          get("BASE_URL"),
		ClientID:         get("CLIENT_ID"),
		ClientSecret:     get("CLIENT_SECRET"),
		ClientSecretPath: get("CLIENT_SECRET_PATH"),
		TokenURL:         get("TOKEN_URL"),
		Scope:            get("SCOPE"),
		Audience:         get("AUDIENCE"),
		KeyID:            get("KEY_ID"),
		Timeout:          DefaultTimeoutSeconds,
		VerifyTLS:        true,
	}
	if cfg.BaseURL == "" {
		return nil, fhirerr.NewConfigError(fmt.Sprintf("%s_BASE_URL is required", prefix))
	}

	authIntended := cfg.ClientID != "" || cfg.TokenURL != "" || cfg.ClientSecret != "" || cfg.ClientSecretPath != ""
	if authIntended {
		if cfg.ClientID == "" {
			return nil, fhirerr.NewConfigError(fmt.Sprintf("%s_CLIENT_ID is required", prefix))
		}
		if cfg.TokenURL == "" {
			return nil, fhirerr.NewConfigError(fmt.Sprintf("%s_TOKEN_URL is required", prefix))
		}
	}

	if v := get("TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = n
		}
	}
	if v := get("VERIFY_SSL"); v != "" {
		cfg.VerifyTLS = strings.EqualFold(v, "true")
	}
	if v := get("USE_JWT_ASSERTION"); v != "" {
		cfg.UseJWTAssertion = strings.EqualFold(v, "true")
	}

	return NewAuthConfig(cfg)
}

// Package client implements the single-server FHIR HTTP client: typed
// CRUD, search, transaction, and capabilities operations with FHIR JSON
// headers, bearer-token injection, and status-aware error reporting.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/healthchain/gateway/internal/fhirgw/auth"
	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// TokenProvider is satisfied by both auth.TokenManager and
// auth.AsyncTokenManager so the client is agnostic to which concurrency
// variant backs it.
type TokenProvider interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Client issues requests against a single remote FHIR server.
type Client struct {
	cfg        auth.AuthConfig
	httpClient *http.Client
	tokens     TokenProvider // nil for public endpoints
}

// New constructs a Client for cfg. limits configures the client's private
// http.Transport connection pool (component D seeds this per source).
func New(cfg auth.AuthConfig, tokens TokenProvider, limits ConnectionLimits) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     limits.MaxConnections,
		MaxIdleConnsPerHost: limits.MaxKeepaliveConnections,
		IdleConnTimeout:     limits.KeepaliveExpiry,
	}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = insecureTLSConfig()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
			Transport: transport,
		},
		tokens: tokens,
	}
}

// ConnectionLimits bounds a client's private HTTP connection pool.
type ConnectionLimits struct {
	MaxConnections          int
	MaxKeepaliveConnections int
	KeepaliveExpiry         time.Duration
}

// DefaultConnectionLimits is the default pool sizing.
var DefaultConnectionLimits = ConnectionLimits{
	MaxConnections:          100,
	MaxKeepaliveConnections: 20,
	KeepaliveExpiry:         5 * time.Second,
}

// Close disposes the client's pooled connections.
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Capabilities fetches the server's CapabilityStatement.
func (c *Client) Capabilities(ctx context.Context) (*fhirmodels.CapabilityStatement, error) {
	body, _, err := c.do(ctx, http.MethodGet, "metadata", nil)
	if err != nil {
		return nil, err
	}
	var cs fhirmodels.CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fhirerr.NewInvalidJSONResponseError("capabilities", "", err)
	}
	return &cs, nil
}

// Read fetches a single resource by type and id. A 404 response is not
// special-cased here: like every other non-2xx response it comes back as
// an *httpStatusError carrying its status, so the error mapper reports
// state 404 with the standard "does not exist" fragment.
func (c *Client) Read(ctx context.Context, resourceType, id string) (*fhirmodels.Generic, error) {
	body, _, err := c.do(ctx, http.MethodGet, resourceType+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	return decodeGeneric(body, resourceType)
}

// Search issues a type-level search with the given query parameters. Nil
// values are omitted.
func (c *Client) Search(ctx context.Context, resourceType string, params map[string]any) (*fhirmodels.Bundle, error) {
	q := url.Values{}
	for k, v := range params {
		if v == nil {
			continue
		}
		q.Set(k, fmt.Sprintf("%v", v))
	}
	path := resourceType
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	body, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var b fhirmodels.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fhirerr.NewInvalidJSONResponseError("search", resourceType, err)
	}
	return &b, nil
}

// SearchURL follows an absolute pagination "next" link: the link's last
// path segment is taken as the resource type and its query (first value
// per key) as the parameters, and the search is re-issued through Search
// against this client's own base URL.
func (c *Client) SearchURL(ctx context.Context, absoluteURL string) (*fhirmodels.Bundle, error) {
	u, err := url.Parse(absoluteURL)
	if err != nil {
		return nil, fhirerr.NewConnectionError(err.Error(), "")
	}
	params := map[string]any{}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	resourceType := strings.TrimPrefix(u.Path, "/")
	if idx := strings.LastIndex(resourceType, "/"); idx >= 0 {
		resourceType = resourceType[idx+1:]
	}
	return c.Search(ctx, resourceType, params)
}

// Create POSTs a new resource and returns the hydrated, server-assigned
// result.
func (c *Client) Create(ctx context.Context, resourceType string, payload []byte) (*fhirmodels.Generic, error) {
	body, _, err := c.do(ctx, http.MethodPost, resourceType, payload)
	if err != nil {
		return nil, err
	}
	return decodeGeneric(body, resourceType)
}

// Update PUTs an existing resource (must carry a non-empty id).
func (c *Client) Update(ctx context.Context, resourceType, id string, payload []byte) (*fhirmodels.Generic, error) {
	body, _, err := c.do(ctx, http.MethodPut, resourceType+"/"+id, payload)
	if err != nil {
		return nil, err
	}
	return decodeGeneric(body, resourceType)
}

// Delete removes a resource; 200 and 204 both count as success.
func (c *Client) Delete(ctx context.Context, resourceType, id string) (bool, error) {
	_, status, err := c.do(ctx, http.MethodDelete, resourceType+"/"+id, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK || status == http.StatusNoContent, nil
}

// Transaction POSTs a Bundle to the server root and returns the resulting
// Bundle.
func (c *Client) Transaction(ctx context.Context, bundle []byte) (*fhirmodels.Bundle, error) {
	body, _, err := c.do(ctx, http.MethodPost, "", bundle)
	if err != nil {
		return nil, err
	}
	var b fhirmodels.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fhirerr.NewInvalidJSONResponseError("transaction", "", err)
	}
	return &b, nil
}

// httpStatusError carries the response status so fhirerr.HandleFHIRError
// can map it without string-scanning.
type httpStatusError struct {
	status      int
	diagnostics string
}

func (e *httpStatusError) Error() string {
	if e.diagnostics != "" {
		return fmt.Sprintf("HTTP %d: %s", e.status, e.diagnostics)
	}
	return fmt.Sprintf("HTTP %d", e.status)
}
func (e *httpStatusError) StatusCode() int { return e.status }

// do issues a single request against path (relative to the server's base
// URL), attaching FHIR JSON headers and, when the config requires auth, a
// fresh bearer token. It returns the raw response body, status code, and
// any error: an *httpStatusError for every status >= 400 (with the
// OperationOutcome diagnostics attached when the body carries them), the
// token provider's error as-is, or a 503 connection error for transport
// failures.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	full := strings.TrimRight(c.cfg.BaseURL, "/")
	if path != "" {
		full += "/" + path
	} else {
		full += "/"
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, 0, fhirerr.NewConnectionError(err.Error(), "")
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Content-Type", "application/fhir+json")

	if c.cfg.RequiresAuth() && c.tokens != nil {
		tok, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fhirerr.NewConnectionError(err.Error(), "")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fhirerr.NewConnectionError(err.Error(), "")
	}

	if resp.StatusCode >= 400 {
		diag := extractDiagnostics(body)
		return body, resp.StatusCode, &httpStatusError{status: resp.StatusCode, diagnostics: diag}
	}
	return body, resp.StatusCode, nil
}

// extractDiagnostics pulls issue[0].diagnostics from an OperationOutcome
// body, if present.
func extractDiagnostics(body []byte) string {
	var oo fhirmodels.OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return ""
	}
	return oo.Diagnostics()
}

func decodeGeneric(body []byte, fallbackType string) (*fhirmodels.Generic, error) {
	var g fhirmodels.Generic
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fhirerr.NewInvalidJSONResponseError("request", fallbackType, err)
	}
	if g.Type == "" {
		g.Type = fallbackType
	}
	return &g, nil
}

func insecureTLSConfig() *tlsConfigType {
	return newInsecureTLSConfig()
}

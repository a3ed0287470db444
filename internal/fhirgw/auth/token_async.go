package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
)

// AsyncTokenManager is the non-blocking token manager variant: reads take
// a shared lock, and concurrent refreshes for the same manager collapse
// onto one in-flight token request via a lazily-constructed
// singleflight.Group, so every waiter observes the same new token.
type AsyncTokenManager struct {
	cfg           AuthConfig
	httpClient    *http.Client
	refreshBuffer time.Duration

	once  sync.Once
	group *singleflight.Group

	mu    sync.RWMutex
	token *TokenInfo
}

// NewAsyncTokenManager constructs an AsyncTokenManager for cfg.
func NewAsyncTokenManager(cfg AuthConfig, httpClient *http.Client) *AsyncTokenManager {
	if httpClient == nil {
		httpClient = defaultHTTPClient(cfg)
	}
	return &AsyncTokenManager{cfg: cfg, httpClient: httpClient, refreshBuffer: DefaultRefreshBufferSeconds * time.Second}
}

func (m *AsyncTokenManager) singleflightGroup() *singleflight.Group {
	m.once.Do(func() { m.group = new(singleflight.Group) })
	return m.group
}

// GetAccessToken returns a valid token. Concurrent callers observing an
// expired cache collapse onto one in-flight refresh via singleflight; all
// of them receive the refreshed token.
func (m *AsyncTokenManager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if tok != nil && !tok.IsExpired(m.refreshBuffer) {
		return tok.AccessToken, nil
	}

	v, err, _ := m.singleflightGroup().Do(m.cfg.TokenURL, func() (interface{}, error) {
		m.mu.RLock()
		cur := m.token
		m.mu.RUnlock()
		if cur != nil && !cur.IsExpired(m.refreshBuffer) {
			return cur, nil
		}
		fresh, err := postToken(ctx, m.httpClient, m.cfg)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.token = fresh
		m.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", fhirerr.NewAuthenticationError(err.Error(), "")
	}
	return v.(*TokenInfo).AccessToken, nil
}

// InvalidateToken clears the cache, forcing the next call to refresh.
func (m *AsyncTokenManager) InvalidateToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
}

// Package pool implements the gateway's connection manager: named sources
// multiplexed onto lazily-created FHIR clients, one client per distinct
// connection string. The actual HTTP connection limiting happens one layer
// down, in each client's own http.Transport.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/healthchain/gateway/internal/fhirgw/auth"
	"github.com/healthchain/gateway/internal/fhirgw/client"
	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
)

// ClientFactory builds a new *client.Client for a connection string, given
// the pool's shared connection limits. Injected so tests can substitute
// stub factories.
type ClientFactory func(connStr string, limits client.ConnectionLimits) (*client.Client, error)

// Limits aliases the client's connection pool bounds.
type Limits = client.ConnectionLimits

// DefaultLimits matches the async pool's documented defaults
// (max_connections=100, max_keepalive=20, expiry=5s).
var DefaultLimits = client.DefaultConnectionLimits

func defaultFactory(connStr string, limits client.ConnectionLimits) (*client.Client, error) {
	cfg, err := auth.ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	var tokens client.TokenProvider
	if cfg.RequiresAuth() {
		tokens = auth.NewTokenManager(*cfg, nil)
	}
	return client.New(*cfg, tokens, limits), nil
}

// asyncDefaultFactory pairs each client with the single-flight token
// manager variant.
func asyncDefaultFactory(connStr string, limits client.ConnectionLimits) (*client.Client, error) {
	cfg, err := auth.ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	var tokens client.TokenProvider
	if cfg.RequiresAuth() {
		tokens = auth.NewAsyncTokenManager(*cfg, nil)
	}
	return client.New(*cfg, tokens, limits), nil
}

// Pool is the synchronous connection manager: one client per distinct
// connection string, created under a plain mutex.
type Pool struct {
	limits  Limits
	factory ClientFactory

	mu       sync.Mutex
	sources  map[string]string // name -> connection string
	order    []string
	clients  map[string]*client.Client // connection string -> client
}

// New constructs a sync Pool with the given limits and factory. A nil
// factory uses the default connection-string-based factory.
func New(limits Limits, factory ClientFactory) *Pool {
	if factory == nil {
		factory = defaultFactory
	}
	return &Pool{
		limits:  limits,
		factory: factory,
		sources: make(map[string]string),
		clients: make(map[string]*client.Client),
	}
}

// AddSource validates and registers a named connection string. Re-adding
// a name overwrites.
func (p *Pool) AddSource(name, connStr string) error {
	if _, err := auth.ParseConnectionString(connStr); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[name]; !exists {
		p.order = append(p.order, name)
	}
	p.sources[name] = connStr
	return nil
}

// AddSourceConfig registers a source from an already-built AuthConfig.
func (p *Pool) AddSourceConfig(name string, cfg auth.AuthConfig) error {
	return p.AddSource(name, cfg.ToConnectionString())
}

// AddSourceFromEnv registers a source read from "<prefix>_*" environment
// variables.
func (p *Pool) AddSourceFromEnv(name, prefix string, lookup func(string) (string, bool)) error {
	cfg, err := auth.EnvPrefixConfig(prefix, lookup)
	if err != nil {
		return err
	}
	return p.AddSourceConfig(name, *cfg)
}

// GetClient returns the pooled client for name, defaulting to the first
// configured source when name is empty.
func (p *Pool) GetClient(name string) (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" {
		if len(p.order) == 0 {
			return nil, fhirerr.NewUnknownSourceError("")
		}
		name = p.order[0]
	}
	connStr, ok := p.sources[name]
	if !ok {
		return nil, fhirerr.NewUnknownSourceError(name)
	}
	if c, ok := p.clients[connStr]; ok {
		return c, nil
	}

	c, err := p.factory(connStr, p.limits)
	if err != nil {
		return nil, err
	}
	p.clients[connStr] = c
	return c, nil
}

// SourceNames returns the configured source names in registration order.
func (p *Pool) SourceNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Status reports the pool's configuration and a snapshot of active
// clients.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ClientKind:     "sync",
		PoolingEnabled: false,
		Sources:        append([]string(nil), p.order...),
		ActiveClients:  len(p.clients),
		Limits:         p.limits,
	}
}

// Close disposes every pooled client. Idempotent: after it, subsequent
// GetClient calls create fresh clients.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = make(map[string]*client.Client)
}

// Status is the machine-readable pool-status shape used by the gateway's
// GET /status route.
type Status struct {
	ClientKind     string
	PoolingEnabled bool
	Sources        []string
	ActiveClients  int
	Limits         Limits
}

// AsyncPool is the concurrent connection manager variant: client creation
// per connection string is serialized via singleflight, so concurrent
// first-touches on distinct keys proceed in parallel while duplicate
// creation for the same key is collapsed.
type AsyncPool struct {
	limits  Limits
	factory ClientFactory
	group   singleflight.Group

	mu      sync.RWMutex
	sources map[string]string
	order   []string
	clients map[string]*client.Client
}

// NewAsync constructs an AsyncPool with the documented default limits
// unless overridden.
func NewAsync(limits Limits, factory ClientFactory) *AsyncPool {
	if factory == nil {
		factory = asyncDefaultFactory
	}
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	return &AsyncPool{
		limits:  limits,
		factory: factory,
		sources: make(map[string]string),
		clients: make(map[string]*client.Client),
	}
}

func (p *AsyncPool) AddSource(name, connStr string) error {
	if _, err := auth.ParseConnectionString(connStr); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[name]; !exists {
		p.order = append(p.order, name)
	}
	p.sources[name] = connStr
	return nil
}

func (p *AsyncPool) AddSourceConfig(name string, cfg auth.AuthConfig) error {
	return p.AddSource(name, cfg.ToConnectionString())
}

func (p *AsyncPool) AddSourceFromEnv(name, prefix string, lookup func(string) (string, bool)) error {
	cfg, err := auth.EnvPrefixConfig(prefix, lookup)
	if err != nil {
		return err
	}
	return p.AddSourceConfig(name, *cfg)
}

// GetClient returns the pooled client for name, creating it under
// singleflight on first touch.
func (p *AsyncPool) GetClient(ctx context.Context, name string) (*client.Client, error) {
	p.mu.RLock()
	if name == "" {
		if len(p.order) == 0 {
			p.mu.RUnlock()
			return nil, fhirerr.NewUnknownSourceError("")
		}
		name = p.order[0]
	}
	connStr, ok := p.sources[name]
	if existing, found := p.clients[connStr]; ok && found {
		p.mu.RUnlock()
		return existing, nil
	}
	p.mu.RUnlock()
	if !ok {
		return nil, fhirerr.NewUnknownSourceError(name)
	}

	v, err, _ := p.group.Do(connStr, func() (interface{}, error) {
		p.mu.RLock()
		if existing, found := p.clients[connStr]; found {
			p.mu.RUnlock()
			return existing, nil
		}
		p.mu.RUnlock()

		c, err := p.factory(connStr, p.limits)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[connStr] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return v.(*client.Client), nil
}

func (p *AsyncPool) SourceNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *AsyncPool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		ClientKind:     "async",
		PoolingEnabled: true,
		Sources:        append([]string(nil), p.order...),
		ActiveClients:  len(p.clients),
		Limits:         p.limits,
	}
}

// Close disposes every pooled client. Idempotent.
func (p *AsyncPool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = make(map[string]*client.Client)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

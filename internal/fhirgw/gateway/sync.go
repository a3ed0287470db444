package gateway

import (
	"github.com/healthchain/gateway/internal/fhirgw/auth"
	"github.com/healthchain/gateway/internal/fhirgw/events"
	"github.com/healthchain/gateway/internal/fhirgw/pool"
)

// SyncGateway is the blocking gateway variant. Every operation is
// inherited from Base; SyncGateway only owns pool lifecycle and source
// registration, with client creation serialized under the pool's mutex.
type SyncGateway struct {
	*Base
	pool *pool.Pool
}

// NewSync constructs a SyncGateway backed by a fresh sync connection pool.
// A nil emitter makes event emission a no-op.
func NewSync(limits pool.Limits, emitter *events.Emitter) *SyncGateway {
	p := pool.New(limits, nil)
	return &SyncGateway{Base: newBase(syncSource{p}, emitter, "sync"), pool: p}
}

// AddSource registers a named fhir:// connection string.
func (g *SyncGateway) AddSource(name, connStr string) error {
	return g.pool.AddSource(name, connStr)
}

// AddSourceConfig registers a source from an already-built AuthConfig.
func (g *SyncGateway) AddSourceConfig(name string, cfg auth.AuthConfig) error {
	return g.pool.AddSourceConfig(name, cfg)
}

// AddSourceFromEnv registers a source read from "<prefix>_*" environment
// variables.
func (g *SyncGateway) AddSourceFromEnv(name, prefix string, lookup func(string) (string, bool)) error {
	return g.pool.AddSourceFromEnv(name, prefix, lookup)
}

// Close disposes every pooled client. Idempotent.
func (g *SyncGateway) Close() { g.pool.Close() }

// PoolStatus reports the underlying pool's status.
func (g *SyncGateway) PoolStatus() pool.Status { return g.pool.Status() }

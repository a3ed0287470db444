package gateway

import (
	"context"

	"github.com/healthchain/gateway/internal/fhirgw/auth"
	"github.com/healthchain/gateway/internal/fhirgw/events"
	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
	"github.com/healthchain/gateway/internal/fhirgw/pool"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// AsyncGateway is the concurrent gateway variant: token refreshes and
// client creation collapse concurrent callers onto single in-flight
// operations. It adds the scoped Modify edit, which has no sync
// counterpart.
type AsyncGateway struct {
	*Base
	pool *pool.AsyncPool
}

// NewAsync constructs an AsyncGateway backed by a fresh async connection
// pool using the documented default connection limits unless overridden.
func NewAsync(limits pool.Limits, emitter *events.Emitter) *AsyncGateway {
	p := pool.NewAsync(limits, nil)
	return &AsyncGateway{Base: newBase(asyncSource{p}, emitter, "async"), pool: p}
}

func (g *AsyncGateway) AddSource(name, connStr string) error {
	return g.pool.AddSource(name, connStr)
}

func (g *AsyncGateway) AddSourceConfig(name string, cfg auth.AuthConfig) error {
	return g.pool.AddSourceConfig(name, cfg)
}

func (g *AsyncGateway) AddSourceFromEnv(name, prefix string, lookup func(string) (string, bool)) error {
	return g.pool.AddSourceFromEnv(name, prefix, lookup)
}

// Close disposes every pooled client. Idempotent.
func (g *AsyncGateway) Close(ctx context.Context) error { return g.pool.Close(ctx) }

// PoolStatus reports the underlying pool's status.
func (g *AsyncGateway) PoolStatus() pool.Status { return g.pool.Status() }

// Modify is a scoped read-mutate-write edit: it reads the resource (or
// starts from an empty one when the server has none), hands it to mutate,
// and on mutate's successful return commits with an update when the read
// found the resource, or a create when it did not.
func (g *AsyncGateway) Modify(ctx context.Context, resourceType, id, source string, mutate func(*fhirmodels.Generic) error) (*fhirmodels.Generic, error) {
	sourceName, err := g.defaultSourceName(source)
	if err != nil {
		return nil, err
	}

	var resource *fhirmodels.Generic
	existed := false
	if id != "" {
		resource, err = g.Read(ctx, resourceType, id, sourceName)
		switch {
		case err == nil:
			existed = true
		case isNotFound(err):
			resource = &fhirmodels.Generic{Type: resourceType, Fields: map[string]any{}}
		default:
			return nil, err
		}
	} else {
		resource = &fhirmodels.Generic{Type: resourceType, Fields: map[string]any{}}
	}

	if err := mutate(resource); err != nil {
		return nil, err
	}

	if !existed {
		return g.Create(ctx, resource, sourceName)
	}
	return g.Update(ctx, resource, sourceName)
}

func isNotFound(err error) bool {
	fe, ok := err.(*fhirerr.FHIRConnectionError)
	return ok && (fe.Kind == fhirerr.KindNotFound || fe.State == "404")
}

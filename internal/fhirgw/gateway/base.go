package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthchain/gateway/internal/fhirgw/client"
	"github.com/healthchain/gateway/internal/fhirgw/events"
	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
	"github.com/healthchain/gateway/internal/fhirgw/pool"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// clientSource abstracts over pool.Pool and pool.AsyncPool so Base's
// operations are agnostic to which concurrency variant backs them.
type clientSource interface {
	getClient(ctx context.Context, name string) (*client.Client, error)
	sourceNames() []string
	status() pool.Status
}

type syncSource struct{ p *pool.Pool }

func (s syncSource) getClient(_ context.Context, name string) (*client.Client, error) {
	return s.p.GetClient(name)
}
func (s syncSource) sourceNames() []string { return s.p.SourceNames() }
func (s syncSource) status() pool.Status   { return s.p.Status() }

type asyncSource struct{ p *pool.AsyncPool }

func (s asyncSource) getClient(ctx context.Context, name string) (*client.Client, error) {
	return s.p.GetClient(ctx, name)
}
func (s asyncSource) sourceNames() []string { return s.p.SourceNames() }
func (s asyncSource) status() pool.Status   { return s.p.Status() }

// Base is the gateway layer shared by the sync and async variants: handler
// registry, capability builder, error translation, and route assembly.
type Base struct {
	registry *Registry
	source   clientSource
	emitter  *events.Emitter
	kind     string // "sync" | "async"
}

func newBase(source clientSource, emitter *events.Emitter, kind string) *Base {
	if emitter == nil {
		emitter = events.New(nil, false)
	}
	return &Base{registry: newRegistry(), source: source, emitter: emitter, kind: kind}
}

// Kind reports whether this gateway is the sync or async variant.
func (gw *Base) Kind() string { return gw.kind }

// SourceNames returns the configured source names in registration order.
func (gw *Base) SourceNames() []string { return gw.source.sourceNames() }

// defaultSourceName resolves an empty source argument to the first
// configured source.
func (gw *Base) defaultSourceName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	names := gw.source.sourceNames()
	if len(names) == 0 {
		return "", fhirerr.NewUnknownSourceError("")
	}
	return names[0], nil
}

// executeWithClient is the sole place transport errors are translated: it
// fetches the pooled client for sourceName and invokes fn, mapping any
// returned error through fhirerr.HandleFHIRError.
func executeWithClient[T any](ctx context.Context, gw *Base, operation, sourceName, resourceType, resourceID string, fn func(*client.Client) (T, error)) (T, error) {
	var zero T
	c, err := gw.source.getClient(ctx, sourceName)
	if err != nil {
		return zero, err
	}
	result, err := fn(c)
	if err != nil {
		if _, ok := err.(*fhirerr.FHIRConnectionError); ok {
			return zero, err
		}
		return zero, fhirerr.HandleFHIRError(err, resourceType, resourceID, operation)
	}
	return result, nil
}

// Capabilities returns source's CapabilityStatement and emits a
// "capabilities" event.
func (gw *Base) Capabilities(ctx context.Context, source string) (*fhirmodels.CapabilityStatement, error) {
	sourceName, err := gw.defaultSourceName(source)
	if err != nil {
		return nil, err
	}
	cs, err := executeWithClient(ctx, gw, "capabilities", sourceName, "", "", func(c *client.Client) (*fhirmodels.CapabilityStatement, error) {
		return c.Capabilities(ctx)
	})
	if err != nil {
		return nil, err
	}
	gw.emitter.Emit(ctx, "capabilities", "", "", sourceName, nil)
	return cs, nil
}

// Read returns the resource, raising a not-found error when the server
// has none.
func (gw *Base) Read(ctx context.Context, resourceType, id, source string) (*fhirmodels.Generic, error) {
	sourceName, err := gw.defaultSourceName(source)
	if err != nil {
		return nil, err
	}
	res, err := executeWithClient(ctx, gw, "read", sourceName, resourceType, id, func(c *client.Client) (*fhirmodels.Generic, error) {
		return c.Read(ctx, resourceType, id)
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fhirerr.NewNotFoundError(resourceType, id)
	}
	gw.emitter.Emit(ctx, "read", resourceType, id, sourceName, nil)
	return res, nil
}

// SearchOptions configures Search.
type SearchOptions struct {
	Params           map[string]any
	Source           string
	AddProvenance    bool
	ProvenanceTag    string
	FollowPagination bool
	MaxPages         int // 0 means unbounded
}

// Search returns a Bundle, optionally following pagination and stamping
// provenance.
func (gw *Base) Search(ctx context.Context, resourceType string, opts SearchOptions) (*fhirmodels.Bundle, error) {
	sourceName, err := gw.defaultSourceName(opts.Source)
	if err != nil {
		return nil, err
	}

	bundle, err := executeWithClient(ctx, gw, "search", sourceName, resourceType, "", func(c *client.Client) (*fhirmodels.Bundle, error) {
		return c.Search(ctx, resourceType, opts.Params)
	})
	if err != nil {
		return nil, err
	}

	if opts.FollowPagination {
		bundle, err = gw.followPagination(ctx, sourceName, resourceType, bundle, opts.MaxPages)
		if err != nil {
			return nil, err
		}
	}

	if opts.AddProvenance {
		if err := stampProvenance(bundle, sourceName, opts.ProvenanceTag); err != nil {
			return nil, err
		}
	}

	gw.emitter.Emit(ctx, "search", resourceType, "", sourceName, map[string]any{"result_count": len(bundle.Entry)})
	return bundle, nil
}

// followPagination iterates the "next" link up to maxPages (0 means
// unbounded), concatenating entries in upstream order.
func (gw *Base) followPagination(ctx context.Context, sourceName, resourceType string, first *fhirmodels.Bundle, maxPages int) (*fhirmodels.Bundle, error) {
	combined := *first
	entries := append([]fhirmodels.BundleEntry(nil), first.Entry...)

	pages := 1
	next := first.NextLink()
	for next != "" && (maxPages <= 0 || pages < maxPages) {
		page, err := executeWithClient(ctx, gw, "search", sourceName, resourceType, "", func(c *client.Client) (*fhirmodels.Bundle, error) {
			return c.SearchURL(ctx, next)
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Entry...)
		pages++
		next = page.NextLink()
	}

	combined.Entry = entries
	return &combined, nil
}

// stampProvenance sets meta.source, meta.lastUpdated, and an optional tag
// coding on every entry's resource.
func stampProvenance(bundle *fhirmodels.Bundle, sourceName, tag string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	urn := "urn:healthchain:source:" + sourceName

	for i := range bundle.Entry {
		if len(bundle.Entry[i].Resource) == 0 {
			continue
		}
		var res map[string]any
		if err := json.Unmarshal(bundle.Entry[i].Resource, &res); err != nil {
			return fhirerr.NewInvalidJSONResponseError("search", "", err)
		}

		meta, _ := res["meta"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["source"] = urn
		meta["lastUpdated"] = now
		if tag != "" {
			tags, _ := meta["tag"].([]any)
			tags = append(tags, map[string]any{"code": tag})
			meta["tag"] = tags
		}
		res["meta"] = meta

		raw, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("re-marshal provenance-stamped resource: %w", err)
		}
		bundle.Entry[i].Resource = raw
	}
	return nil
}

// Create POSTs resource and returns the hydrated, server-assigned result.
func (gw *Base) Create(ctx context.Context, resource fhirmodels.Resource, source string) (*fhirmodels.Generic, error) {
	sourceName, err := gw.defaultSourceName(source)
	if err != nil {
		return nil, err
	}
	resourceType := resource.ResourceType()

	payload, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("marshal %s for create: %w", resourceType, err)
	}

	result, err := executeWithClient(ctx, gw, "create", sourceName, resourceType, "", func(c *client.Client) (*fhirmodels.Generic, error) {
		return c.Create(ctx, resourceType, payload)
	})
	if err != nil {
		return nil, err
	}
	gw.emitter.Emit(ctx, "create", resourceType, result.ResourceID(), sourceName, nil)
	return result, nil
}

// Update PUTs resource, requiring a non-empty id.
func (gw *Base) Update(ctx context.Context, resource fhirmodels.Resource, source string) (*fhirmodels.Generic, error) {
	sourceName, err := gw.defaultSourceName(source)
	if err != nil {
		return nil, err
	}
	resourceType := resource.ResourceType()
	id := resource.ResourceID()
	if id == "" {
		return nil, fhirerr.NewValidationError("update requires a resource with a non-empty id", resourceType, "id")
	}

	payload, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("marshal %s for update: %w", resourceType, err)
	}

	result, err := executeWithClient(ctx, gw, "update", sourceName, resourceType, id, func(c *client.Client) (*fhirmodels.Generic, error) {
		return c.Update(ctx, resourceType, id, payload)
	})
	if err != nil {
		return nil, err
	}
	gw.emitter.Emit(ctx, "update", resourceType, id, sourceName, nil)
	return result, nil
}

// Delete removes a resource, emitting a "delete" event only on success.
func (gw *Base) Delete(ctx context.Context, resourceType, id, source string) (bool, error) {
	sourceName, err := gw.defaultSourceName(source)
	if err != nil {
		return false, err
	}
	ok, err := executeWithClient(ctx, gw, "delete", sourceName, resourceType, id, func(c *client.Client) (bool, error) {
		return c.Delete(ctx, resourceType, id)
	})
	if err != nil {
		return false, err
	}
	if ok {
		gw.emitter.Emit(ctx, "delete", resourceType, id, sourceName, nil)
	}
	return ok, nil
}

// Transaction POSTs bundle and returns the resulting Bundle, emitting
// entry and result counts.
func (gw *Base) Transaction(ctx context.Context, bundle *fhirmodels.Bundle, source string) (*fhirmodels.Bundle, error) {
	sourceName, err := gw.defaultSourceName(source)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction bundle: %w", err)
	}

	result, err := executeWithClient(ctx, gw, "transaction", sourceName, "Bundle", "", func(c *client.Client) (*fhirmodels.Bundle, error) {
		return c.Transaction(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	gw.emitter.Emit(ctx, "transaction", "Bundle", "", sourceName, map[string]any{
		"entry_count":  len(bundle.Entry),
		"result_count": len(result.Entry),
	})
	return result, nil
}

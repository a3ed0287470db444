// Package gateway implements the multi-source FHIR gateway: CRUD, search,
// and transaction orchestration over pooled per-source clients, registered
// transform/aggregate/predict handlers exposed as HTTP routes, operation
// events, and scoped "modify" edits.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// DefaultSupportedResources is the resource set a gateway advertises in
// its capability statement before any handlers are registered.
var DefaultSupportedResources = []string{
	"Patient", "Practitioner", "Encounter", "Observation",
	"Condition", "MedicationRequest", "DocumentReference",
}

// TransformHandler reads (or otherwise builds) a single resource of the
// registered type.
type TransformHandler func(ctx context.Context, id, source string) (fhirmodels.Resource, error)

// AggregateHandler computes a free-form result across one or more
// sources.
type AggregateHandler func(ctx context.Context, id string, sources []string) (any, error)

// PredictHandler returns a bare prediction the gateway wraps into a FHIR
// resource: either a float64 probability or a map[string]any with "score"
// and "qualitativeRisk" keys.
type PredictHandler func(ctx context.Context, patientID string) (any, error)

const (
	opTransform = "transform"
	opAggregate = "aggregate"
	opPredict   = "predict"
)

type handlerEntry struct {
	resourceType string
	transform    TransformHandler
	aggregate    AggregateHandler
	predict      PredictHandler
	options      map[string]any
}

// Registry maps resource-type -> operation -> handler. It is populated at
// setup time, before the gateway serves traffic.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]map[string]*handlerEntry
}

func newRegistry() *Registry {
	return &Registry{byType: make(map[string]map[string]*handlerEntry)}
}

func (r *Registry) put(resourceType, op string, e *handlerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byType[resourceType] == nil {
		r.byType[resourceType] = make(map[string]*handlerEntry)
	}
	r.byType[resourceType][op] = e
}

func (r *Registry) get(resourceType, op string) (*handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops, ok := r.byType[resourceType]
	if !ok {
		return nil, false
	}
	e, ok := ops[op]
	return e, ok
}

// RegisterTransform binds a transform handler to resourceType. The handler
// must return a resource whose type matches the registration; the check
// runs when the handler does, since that is when the concrete type is
// known.
func (gw *Base) RegisterTransform(resourceType string, handler TransformHandler) {
	gw.registry.put(resourceType, opTransform, &handlerEntry{resourceType: resourceType, transform: handler})
}

// RegisterAggregate binds an aggregate handler to resourceType.
func (gw *Base) RegisterAggregate(resourceType string, handler AggregateHandler) {
	gw.registry.put(resourceType, opAggregate, &handlerEntry{resourceType: resourceType, aggregate: handler})
}

// RegisterPredict binds a predict handler to resourceType, with
// per-handler options (e.g. "status", default "final").
func (gw *Base) RegisterPredict(resourceType string, handler PredictHandler, options map[string]any) {
	if options == nil {
		options = map[string]any{}
	}
	if _, ok := options["status"]; !ok {
		options["status"] = "final"
	}
	gw.registry.put(resourceType, opPredict, &handlerEntry{resourceType: resourceType, predict: handler, options: options})
}

// invokeTransform runs the registered transform handler and validates its
// result's resource type matches the registration.
func (gw *Base) invokeTransform(ctx context.Context, resourceType, id, source string) (fhirmodels.Resource, error) {
	entry, ok := gw.registry.get(resourceType, opTransform)
	if !ok || entry.transform == nil {
		return nil, noHandlerError(opTransform, resourceType)
	}
	result, err := entry.transform(ctx, id, source)
	if err != nil {
		return nil, err
	}
	if result == nil || result.ResourceType() != resourceType {
		got := "nil"
		if result != nil {
			got = result.ResourceType()
		}
		return nil, fmt.Errorf("transform(%s) handler returned %s, expected %s", resourceType, got, resourceType)
	}
	return result, nil
}

func (gw *Base) invokeAggregate(ctx context.Context, resourceType, id string, sources []string) (any, error) {
	entry, ok := gw.registry.get(resourceType, opAggregate)
	if !ok || entry.aggregate == nil {
		return nil, noHandlerError(opAggregate, resourceType)
	}
	return entry.aggregate(ctx, id, sources)
}

func (gw *Base) invokePredict(ctx context.Context, resourceType, patientID string) (fhirmodels.Resource, error) {
	entry, ok := gw.registry.get(resourceType, opPredict)
	if !ok || entry.predict == nil {
		return nil, noHandlerError(opPredict, resourceType)
	}
	raw, err := entry.predict(ctx, patientID)
	if err != nil {
		return nil, err
	}
	status, _ := entry.options["status"].(string)
	return wrapPrediction(resourceType, patientID, status, raw)
}

// wrapPrediction wraps a raw handler result into the registered resource
// type. Only RiskAssessment is defined; everything else is NOT_IMPLEMENTED,
// and a result that is neither float64 nor map[string]any is rejected at
// invocation.
func wrapPrediction(resourceType, patientID, status string, raw any) (fhirmodels.Resource, error) {
	if resourceType != "RiskAssessment" {
		return nil, fhirerr.NewNotImplementedError(resourceType)
	}
	switch v := raw.(type) {
	case float64:
		return fhirmodels.NewRiskAssessmentFromFloat(patientID, status, v), nil
	case map[string]any:
		return fhirmodels.NewRiskAssessmentFromMap(patientID, status, v), nil
	default:
		return nil, fmt.Errorf("predict handler for %s must return float64 or map[string]any, got %T", resourceType, raw)
	}
}

func noHandlerError(op, resourceType string) *fhirerr.FHIRConnectionError {
	return &fhirerr.FHIRConnectionError{
		Kind:    fhirerr.KindNotFound,
		State:   "404",
		Message: fmt.Sprintf("no %s handler registered for %s", op, resourceType),
	}
}

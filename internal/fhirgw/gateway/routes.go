// HTTP route surface for the gateway: per-type transform/aggregate/predict
// routes plus the introspection routes /metadata and /status.
package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// Mount registers the gateway's HTTP routes on group: GET /metadata, GET
// /status, and GET /{transform|aggregate|predict}/{Type}[/{id}].
func (gw *Base) Mount(group *echo.Group) {
	group.GET("/metadata", gw.handleMetadata)
	group.GET("/status", gw.handleStatus)
	group.GET("/transform/:type/:id", gw.handleTransform)
	group.GET("/aggregate/:type", gw.handleAggregate)
	group.GET("/predict/:type/:id", gw.handlePredict)
}

func (gw *Base) handleTransform(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.Param("id")
	source := c.QueryParam("source")

	result, err := gw.invokeTransform(c.Request().Context(), resourceType, id, source)
	if err != nil {
		return writeError(c, err)
	}
	return writeFHIR(c, http.StatusOK, result)
}

func (gw *Base) handleAggregate(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.QueryParam("id")
	var sources []string
	if raw := c.QueryParam("sources"); raw != "" {
		sources = strings.Split(raw, ",")
	}

	result, err := gw.invokeAggregate(c.Request().Context(), resourceType, id, sources)
	if err != nil {
		return writeError(c, err)
	}
	return writeFHIR(c, http.StatusOK, result)
}

func (gw *Base) handlePredict(c echo.Context) error {
	resourceType := c.Param("type")
	patientID := c.Param("id")

	result, err := gw.invokePredict(c.Request().Context(), resourceType, patientID)
	if err != nil {
		return writeError(c, err)
	}
	return writeFHIR(c, http.StatusOK, result)
}

// handleMetadata serves the gateway's own CapabilityStatement, describing
// which (resource, operation) pairs are registered and which sources are
// connected.
func (gw *Base) handleMetadata(c echo.Context) error {
	return writeFHIR(c, http.StatusOK, gw.buildCapabilityStatement())
}

// handleStatus serves operational JSON: gateway kind, source list, pool
// status, and the machine-readable operation catalog. Unlike the FHIR
// resource routes, /status is plain JSON.
func (gw *Base) handleStatus(c echo.Context) error {
	st := gw.source.status()
	return c.JSON(http.StatusOK, map[string]any{
		"kind":    gw.kind,
		"sources": gw.source.sourceNames(),
		"pool": map[string]any{
			"client_kind":     st.ClientKind,
			"pooling_enabled": st.PoolingEnabled,
			"active_clients":  st.ActiveClients,
			"limits": map[string]any{
				"max_connections":           st.Limits.MaxConnections,
				"max_keepalive_connections": st.Limits.MaxKeepaliveConnections,
				"keepalive_expiry_seconds":  st.Limits.KeepaliveExpiry.Seconds(),
			},
		},
		"operations": gw.registry.list(),
	})
}

// buildCapabilityStatement turns the registry into a CapabilityStatement:
// each transform contributes interaction "read", each aggregate contributes
// "search-type", and each predict contributes "read" tagged as an ML
// prediction. With no registrations, the default resource set is
// advertised instead.
func (gw *Base) buildCapabilityStatement() *fhirmodels.CapabilityStatement {
	cs := fhirmodels.NewCapabilityStatement()
	cs.Description = "FHIR gateway over sources: " + strings.Join(gw.source.sourceNames(), ", ")

	byType := map[string][]fhirmodels.Interaction{}
	for _, e := range gw.registry.list() {
		var interaction fhirmodels.Interaction
		switch e.Operation {
		case opTransform:
			interaction = fhirmodels.Interaction{Code: "read", Documentation: "transform: hydrates a " + e.ResourceType + " from the registered handler"}
		case opAggregate:
			interaction = fhirmodels.Interaction{Code: "search-type", Documentation: "aggregate: computes a cross-source result for " + e.ResourceType}
		case opPredict:
			interaction = fhirmodels.Interaction{Code: "read", Documentation: "predict: ML prediction wrapped into a " + e.ResourceType}
		default:
			continue
		}
		byType[e.ResourceType] = append(byType[e.ResourceType], interaction)
	}

	var resources []fhirmodels.ResourceCapability
	if len(byType) == 0 {
		for _, rt := range DefaultSupportedResources {
			resources = append(resources, fhirmodels.ResourceCapability{
				Type:        rt,
				Interaction: []fhirmodels.Interaction{{Code: "read"}, {Code: "search-type"}},
			})
		}
	} else {
		var resourceTypes []string
		for rt := range byType {
			resourceTypes = append(resourceTypes, rt)
		}
		sort.Strings(resourceTypes)
		for _, rt := range resourceTypes {
			resources = append(resources, fhirmodels.ResourceCapability{
				Type:          rt,
				Interaction:   byType[rt],
				Documentation: "registered via the gateway's transform/aggregate/predict handlers",
			})
		}
	}
	cs.Rest = []fhirmodels.RestEntry{{Mode: "server", Resource: resources}}
	return cs
}

// writeFHIR writes v as application/fhir+json.
func writeFHIR(c echo.Context, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		body, _ = json.Marshal(fhirmodels.NewOperationOutcome(fhirmodels.IssueSeverityFatal, fhirmodels.IssueTypeException, err.Error()))
		status = http.StatusInternalServerError
	}
	return c.Blob(status, "application/fhir+json", body)
}

// writeError translates a gateway error to an HTTP response, preserving
// the error's own HTTP state when it carries one instead of collapsing
// everything to 500.
func writeError(c echo.Context, err error) error {
	return c.JSON(httpStatusFor(err), map[string]string{"detail": err.Error()})
}

func httpStatusFor(err error) int {
	fe, ok := err.(*fhirerr.FHIRConnectionError)
	if !ok {
		return http.StatusInternalServerError
	}
	if n, convErr := strconv.Atoi(fe.State); convErr == nil {
		return n
	}
	switch fe.Kind {
	case fhirerr.KindNotFound:
		return http.StatusNotFound
	case fhirerr.KindUnknownSource, fhirerr.KindConfigInvalid, fhirerr.KindInvalidConnectionString:
		return http.StatusBadRequest
	case fhirerr.KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

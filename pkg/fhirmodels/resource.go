// Package fhirmodels contains the small subset of FHIR R4 resource shapes the
// gateway needs to hydrate and serialize: enough structure for CRUD,
// search bundles, capability statements, operation outcomes, and
// risk-assessment prediction wrapping.
package fhirmodels

import (
	"encoding/json"
	"time"
)

// Resource is implemented by every concrete FHIR resource type the gateway
// hydrates. It is the "small registry keyed by type name" described for
// resource-type polymorphism: callers that need to handle an arbitrary
// resource type at runtime do so through this interface rather than a
// global class lookup.
type Resource interface {
	ResourceType() string
	ResourceID() string
}

// Meta carries versioning, timestamp, and provenance tagging common to every
// FHIR resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Generic is a fallback Resource implementation for types the module does
// not model explicitly; it round-trips through a raw JSON map so no field is
// ever dropped.
type Generic struct {
	Type   string
	ID     string
	Fields map[string]any
}

func (g *Generic) ResourceType() string { return g.Type }
func (g *Generic) ResourceID() string   { return g.ID }

// MarshalJSON flattens Fields alongside resourceType/id so the wire shape is
// indistinguishable from a hand-written struct.
func (g *Generic) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(g.Fields)+2)
	for k, v := range g.Fields {
		out[k] = v
	}
	out["resourceType"] = g.Type
	if g.ID != "" {
		out["id"] = g.ID
	}
	return json.Marshal(out)
}

func (g *Generic) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Fields = raw
	if t, ok := raw["resourceType"].(string); ok {
		g.Type = t
		delete(g.Fields, "resourceType")
	}
	if id, ok := raw["id"].(string); ok {
		g.ID = id
		delete(g.Fields, "id")
	}
	return nil
}

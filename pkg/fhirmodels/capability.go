package fhirmodels

// CapabilityStatement describes a FHIR server's (or, here, a gateway's own
// router's) supported resources and interactions.
type CapabilityStatement struct {
	ResourceTypeField string      `json:"resourceType"`
	Status            string      `json:"status"`
	Description       string      `json:"description,omitempty"`
	FhirVersion       string      `json:"fhirVersion"`
	Format            []string    `json:"format"`
	Rest              []RestEntry `json:"rest"`
}

type RestEntry struct {
	Mode     string             `json:"mode"`
	Resource []ResourceCapability `json:"resource"`
}

type ResourceCapability struct {
	Type          string        `json:"type"`
	Interaction   []Interaction `json:"interaction"`
	Documentation string        `json:"documentation,omitempty"`
}

type Interaction struct {
	Code          string `json:"code"`
	Documentation string `json:"documentation,omitempty"`
}

func (c *CapabilityStatement) ResourceType() string { return "CapabilityStatement" }
func (c *CapabilityStatement) ResourceID() string   { return "" }

func NewCapabilityStatement() *CapabilityStatement {
	return &CapabilityStatement{
		ResourceTypeField: "CapabilityStatement",
		Status:            "active",
		FhirVersion:       "4.0.1",
		Format:             []string{"application/fhir+json"},
	}
}

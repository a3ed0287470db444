package fhirmodels

// Patient is a minimal FHIR R4 Patient resource, enough for the gateway's
// own CRUD/transform examples without re-implementing the full FHIR schema.
type Patient struct {
	ResourceTypeField string   `json:"resourceType"`
	ID                string   `json:"id,omitempty"`
	Meta              *Meta    `json:"meta,omitempty"`
	Active            *bool    `json:"active,omitempty"`
	Name              []Name   `json:"name,omitempty"`
	Gender            string   `json:"gender,omitempty"`
	BirthDate         string   `json:"birthDate,omitempty"`
}

type Name struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

func NewPatient(id string) *Patient {
	return &Patient{ResourceTypeField: "Patient", ID: id}
}

func (p *Patient) ResourceType() string { return "Patient" }
func (p *Patient) ResourceID() string   { return p.ID }

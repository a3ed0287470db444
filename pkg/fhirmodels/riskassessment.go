package fhirmodels

// RiskAssessment is the only FHIR resource type the gateway's predict
// wrapping is defined for.
type RiskAssessment struct {
	ResourceTypeField string           `json:"resourceType"`
	ID                string           `json:"id,omitempty"`
	Status            string           `json:"status"`
	Subject           Reference        `json:"subject"`
	Prediction        []RiskPrediction `json:"prediction,omitempty"`
}

type RiskPrediction struct {
	Outcome            *CodeableConcept `json:"outcome,omitempty"`
	ProbabilityDecimal *float64         `json:"probabilityDecimal,omitempty"`
	QualitativeRisk    *CodeableConcept `json:"qualitativeRisk,omitempty"`
}

func (r *RiskAssessment) ResourceType() string { return "RiskAssessment" }
func (r *RiskAssessment) ResourceID() string   { return r.ID }

// NewRiskAssessmentFromFloat wraps a bare probability into a
// RiskAssessment with a single probabilityDecimal prediction.
func NewRiskAssessmentFromFloat(patientID string, status string, probability float64) *RiskAssessment {
	return &RiskAssessment{
		ResourceTypeField: "RiskAssessment",
		Status:            status,
		Subject:           Reference{Reference: "Patient/" + patientID},
		Prediction: []RiskPrediction{
			{ProbabilityDecimal: &probability},
		},
	}
}

// NewRiskAssessmentFromMap wraps a {"score": float, "qualitativeRisk":
// string} style map.
func NewRiskAssessmentFromMap(patientID string, status string, m map[string]any) *RiskAssessment {
	ra := &RiskAssessment{
		ResourceTypeField: "RiskAssessment",
		Status:            status,
		Subject:           Reference{Reference: "Patient/" + patientID},
	}
	pred := RiskPrediction{}
	if score, ok := m["score"]; ok {
		if f, ok := toFloat(score); ok {
			pred.ProbabilityDecimal = &f
		}
	}
	if display, ok := m["qualitativeRisk"].(string); ok && display != "" {
		pred.QualitativeRisk = &CodeableConcept{
			Coding: []Coding{{Display: display}},
			Text:   display,
		}
	}
	ra.Prediction = []RiskPrediction{pred}
	return ra
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

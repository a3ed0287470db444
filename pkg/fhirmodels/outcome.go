package fhirmodels

import "fmt"

// FHIR R4 OperationOutcome issue severities and types, mirroring the
// teacher's internal/platform/fhir/operation_outcome.go constant table.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"

	IssueTypeInvalid    = "invalid"
	IssueTypeNotFound   = "not-found"
	IssueTypeProcessing = "processing"
	IssueTypeException  = "exception"
	IssueTypeDeleted    = "deleted"
)

// OperationOutcome carries structured error detail from a FHIR server.
type OperationOutcome struct {
	ResourceTypeField string                  `json:"resourceType"`
	Issue             []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func (o *OperationOutcome) ResourceType() string { return "OperationOutcome" }
func (o *OperationOutcome) ResourceID() string   { return "" }

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceTypeField: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// Diagnostics returns the diagnostics string of the first issue, or "" if
// the outcome carries no issues.
func (o *OperationOutcome) Diagnostics() string {
	if len(o.Issue) == 0 {
		return ""
	}
	return o.Issue[0].Diagnostics
}

func (o *OperationOutcome) String() string {
	if len(o.Issue) == 0 {
		return "OperationOutcome(no issues)"
	}
	return fmt.Sprintf("OperationOutcome(%s: %s)", o.Issue[0].Code, o.Issue[0].Diagnostics)
}

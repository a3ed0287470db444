// Package fhirerr implements the gateway's uniform error taxonomy: every
// transport or validation failure a FHIR source can produce is translated
// into a FHIRConnectionError carrying a symbolic kind, a state (an HTTP
// status code or "UNKNOWN"), and an operation-scoped message.
package fhirerr

import (
	"fmt"
	"regexp"
	"strconv"
)

// Symbolic error kinds.
const (
	KindConfigInvalid           = "CONFIG_INVALID"
	KindInvalidConnectionString = "INVALID_CONNECTION_STRING"
	KindUnknownSource           = "UNKNOWN_SOURCE"
	KindAuthRefreshFailed       = "AUTH_REFRESH_FAILED"
	KindKeyLoadFailed           = "KEY_LOAD_FAILED"
	KindInvalidJSONResponse     = "INVALID_JSON_RESPONSE"
	KindConnectionError         = "CONNECTION_ERROR"
	KindNotFound                = "NOT_FOUND"
	KindValidationError         = "VALIDATION_ERROR"
	KindNotImplemented          = "NOT_IMPLEMENTED"
	KindHTTP                    = "HTTP_ERROR"
)

// StateUnknown is used when no status code could be determined.
const StateUnknown = "UNKNOWN"

// errorMap holds the human fragment reported for each mappable HTTP
// status.
var errorMap = map[int]string{
	400: "resource could not be parsed or failed basic FHIR validation rules (or multiple matches were found for conditional criteria)",
	401: "authorization is required for the interaction that was attempted",
	403: "you may not have permission to perform this operation",
	404: "the resource you are looking for does not exist, is not a resource type, or is not a FHIR end point",
	405: "the server does not allow client defined ids for resources",
	409: "version conflict - update cannot be done",
	410: "the resource you are looking for is no longer available",
	412: "version conflict - version id does not match",
	422: "proposed resource violated applicable FHIR profiles or server business rules",
}

var embeddedCodePattern = regexp.MustCompile(`\b([1-5][0-9]{2})\b`)

// FHIRConnectionError is the gateway's canonical error structure: kind
// (symbolic), state (numeric HTTP code or "UNKNOWN"), message (including
// operation and target), and a wrapped cause for diagnostics.
type FHIRConnectionError struct {
	Kind    string
	State   string
	Message string
	Cause   error
}

func (e *FHIRConnectionError) Error() string {
	return fmt.Sprintf("[%s %s] %s", e.State, e.Kind, e.Message)
}

func (e *FHIRConnectionError) Unwrap() error { return e.Cause }

// StatusCoder is implemented by errors that carry a known HTTP status, such
// as the client's httpStatusError. HandleFHIRError checks this before
// falling back to scanning the error text for an embedded 3-digit code.
type StatusCoder interface {
	StatusCode() int
}

// HandleFHIRError maps an arbitrary error, in the context of an operation
// against resourceType[/id], onto a FHIRConnectionError using the table
// above. Errors without a StatusCoder status are scanned for an embedded
// three-digit code before falling back to state UNKNOWN.
func HandleFHIRError(err error, resourceType, id, operation string) *FHIRConnectionError {
	ref := resourceType
	if id != "" {
		ref = fmt.Sprintf("%s/%s", resourceType, id)
	}

	if sc, ok := err.(StatusCoder); ok {
		if frag, ok := errorMap[sc.StatusCode()]; ok {
			return &FHIRConnectionError{
				Kind:    KindHTTP,
				State:   strconv.Itoa(sc.StatusCode()),
				Message: fmt.Sprintf("%s %s failed: %s", operation, ref, frag),
				Cause:   err,
			}
		}
	}

	msg := err.Error()
	if m := embeddedCodePattern.FindString(msg); m != "" {
		if code, convErr := strconv.Atoi(m); convErr == nil {
			if frag, ok := errorMap[code]; ok {
				return &FHIRConnectionError{
					Kind:    KindHTTP,
					State:   m,
					Message: fmt.Sprintf("%s %s failed: %s", operation, ref, frag),
					Cause:   err,
				}
			}
		}
	}

	return &FHIRConnectionError{
		Kind:    KindConnectionError,
		State:   StateUnknown,
		Message: fmt.Sprintf("%s %s failed: %s", operation, ref, msg),
		Cause:   err,
	}
}

// NewValidationError produces a fixed-state (422) error.
func NewValidationError(message, resourceType, field string) *FHIRConnectionError {
	msg := fmt.Sprintf("validation failed: %s", message)
	switch {
	case resourceType != "" && field != "":
		msg = fmt.Sprintf("validation failed for %s.%s: %s", resourceType, field, message)
	case resourceType != "":
		msg = fmt.Sprintf("validation failed for %s: %s", resourceType, message)
	}
	return &FHIRConnectionError{Kind: KindValidationError, State: "422", Message: msg}
}

// NewConnectionError produces a fixed-state (503) error.
func NewConnectionError(message, source string) *FHIRConnectionError {
	msg := fmt.Sprintf("connection failed: %s", message)
	if source != "" {
		msg = fmt.Sprintf("connection to source %q failed: %s", source, message)
	}
	return &FHIRConnectionError{Kind: KindConnectionError, State: "503", Message: msg}
}

// NewAuthenticationError produces a fixed-state (401) error.
func NewAuthenticationError(message, source string) *FHIRConnectionError {
	msg := fmt.Sprintf("authentication failed: %s", message)
	if source != "" {
		msg = fmt.Sprintf("authentication to source %q failed: %s", source, message)
	}
	return &FHIRConnectionError{Kind: KindAuthRefreshFailed, State: "401", Message: msg}
}

// NewNotFoundError signals that a read returned no resource.
func NewNotFoundError(resourceType, id string) *FHIRConnectionError {
	return &FHIRConnectionError{
		Kind:    KindNotFound,
		State:   StateUnknown,
		Message: fmt.Sprintf("read %s/%s failed: not found", resourceType, id),
	}
}

// NewNotImplementedError signals predict-wrapping is undefined for a type.
func NewNotImplementedError(resourceType string) *FHIRConnectionError {
	return &FHIRConnectionError{
		Kind:    KindNotImplemented,
		State:   StateUnknown,
		Message: fmt.Sprintf("predict wrapping is not implemented for resource type %q", resourceType),
	}
}

// NewConfigError signals AuthConfig construction violated an invariant.
func NewConfigError(message string) *FHIRConnectionError {
	return &FHIRConnectionError{Kind: KindConfigInvalid, State: StateUnknown, Message: message}
}

// NewInvalidConnectionStringError signals connection-string parse failure
// on source registration.
func NewInvalidConnectionStringError(message string) *FHIRConnectionError {
	return &FHIRConnectionError{Kind: KindInvalidConnectionString, State: "500", Message: message}
}

// NewUnknownSourceError signals get_client was given an unregistered name.
func NewUnknownSourceError(name string) *FHIRConnectionError {
	return &FHIRConnectionError{
		Kind:    KindUnknownSource,
		State:   StateUnknown,
		Message: fmt.Sprintf("unknown source: %s", name),
	}
}

// NewInvalidJSONResponseError signals a non-JSON body from the remote.
func NewInvalidJSONResponseError(operation, ref string, cause error) *FHIRConnectionError {
	return &FHIRConnectionError{
		Kind:    KindInvalidJSONResponse,
		State:   StateUnknown,
		Message: fmt.Sprintf("%s %s failed: response body is not valid JSON", operation, ref),
		Cause:   cause,
	}
}

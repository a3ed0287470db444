package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// RequestTimeout sets a context deadline on each inbound request. The
// deadline propagates through the gateway into every outbound FHIR call, so
// a slow upstream source cannot hold an inbound connection open forever.
// On expiry the client receives 504 with an OperationOutcome body.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				if err != nil && ctx.Err() == context.DeadlineExceeded {
					return writeTimeoutOutcome(c)
				}
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return writeTimeoutOutcome(c)
				}
				return ctx.Err()
			}
		}
	}
}

func writeTimeoutOutcome(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	outcome := fhirmodels.NewOperationOutcome(
		fhirmodels.IssueSeverityError,
		"timeout",
		"request processing exceeded the allowed time limit",
	)
	body, err := json.Marshal(outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusGatewayTimeout)
	}
	return c.Blob(http.StatusGatewayTimeout, "application/fhir+json", body)
}

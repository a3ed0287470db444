// Package middleware holds the echo middleware the gateway host server
// mounts in front of the FHIR routes: correlation ids, structured request
// logging, panic recovery, per-client rate limiting, request deadlines, and
// security response headers.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestID assigns each request a correlation id, reusing an inbound
// X-Request-ID header when the caller already set one. The id is stored in
// the echo context under "request_id" and echoed back in the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get("X-Request-ID")
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set("X-Request-ID", rid)
			return next(c)
		}
	}
}

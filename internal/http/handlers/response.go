// Package handlers implements the HTTP handlers for the order API.
//
// This file holds the shared response helpers. Every endpoint returns errors
// in the same envelope so storefront clients and the payment gateway's
// webhook sender can branch on a stable code instead of parsing prose:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "3f1c2a9e-...",
//	  "code": "not_found",
//	  "message": "order not found"
//	}
//
// The request_id ties the response to the server-side log lines for the same
// request, which is how support traces a disputed completion after the fact.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/printforge/go-orders-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint. Code is a
// stable machine-readable string (see errors.go); Message is safe to surface
// to end users.
type ErrorResponse struct {
	// Correlates this response with server logs
	RequestID string `json:"request_id,omitempty" example:"3f1c2a9e-8d11-4a6b-9c55-0e7f31b2a4d0"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"order not found"`
}

// fail aborts the request with a structured error envelope. Server-side
// failures (5xx) are additionally logged through the request-scoped logger so
// the error appears next to the request's other log lines.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail for callers outside this package,
// such as the router's NoRoute and NoMethod fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes body as JSON with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes 204 with an empty body.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

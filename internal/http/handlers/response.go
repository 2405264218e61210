// Package handlers provides the HTTP handler implementations for the
// prefetch control plane.
//
// Every endpoint answers with the same envelope:
//
//	{ "success": bool, "data": …?, "message": str?, "error": str?, "kind": str? }
//
// Success responses carry the payload under "data". Error responses carry a
// stable machine-readable code under "error", the error kind under "kind"
// (see errors.go), and a human-readable "message"; stack traces and backend
// detail never cross the boundary.
package handlers

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/nodal-labs/prefetch-engine/internal/http/middleware"
)

// Envelope is the uniform response shape for all endpoints.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// userIDPattern bounds the path parameter before it reaches Redis key space
// or the origin URL: 1–64 chars of [A-Za-z0-9_-].
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ok writes a success envelope with the payload under data.
func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// fail aborts the request with an error envelope. Server-side errors (>=500)
// are logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, kind, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("kind", kind).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, Envelope{Error: code, Kind: kind, Message: msg})
}

// Fail is the exported variant of fail, for router-level fallbacks (NoRoute,
// NoMethod) that live outside this package.
func Fail(c *gin.Context, status int, code, kind, msg string) { fail(c, status, code, kind, msg) }

// pathUserID validates and returns the :userId path parameter, answering the
// 400 itself when invalid.
func pathUserID(c *gin.Context) (string, bool) {
	id := c.Param("userId")
	if !userIDPattern.MatchString(id) {
		fail(c, http.StatusBadRequest, ErrCodeValidation, KindValidation,
			"userId must be 1-64 characters of [A-Za-z0-9_-]")
		return "", false
	}
	return id, true
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nodal-labs/prefetch-engine/internal/auth"
)

// Authenticate verifies the bearer token on every request and checks that the
// caller holds all of required. The verified principal is stored in the Gin
// context for downstream logging and rate limiting.
//
// Failure mapping: missing or rejected token → 401, verified token without
// the required permissions → 403, CA unreachable → 503 (fail closed).
func Authenticate(verifier *auth.Verifier, required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortEnvelope(c, http.StatusUnauthorized, "AUTH_ERROR", "AuthError",
				"missing bearer token")
			return
		}

		principal, err := verifier.Verify(c.Request.Context(), token)
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			abortEnvelope(c, http.StatusUnauthorized, "AUTH_ERROR", "AuthError",
				"invalid or expired token")
			return
		case errors.Is(err, auth.ErrAuthUnavailable):
			LoggerFrom(c).Error().Err(err).Msg("token verification unavailable")
			abortEnvelope(c, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "UpstreamUnavailable",
				"authentication service unavailable")
			return
		case err != nil:
			LoggerFrom(c).Error().Err(err).Msg("token verification failed")
			abortEnvelope(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal",
				"internal server error")
			return
		}

		if !auth.HasPermissions(principal.Permissions, required) {
			abortEnvelope(c, http.StatusForbidden, "PERMISSION_ERROR", "PermissionError",
				"insufficient permissions")
			return
		}

		c.Set(callerIDKey, principal.ServiceID)
		c.Set(permissionsKey, principal.Permissions)
		c.Next()
	}
}

// bearerToken extracts the credential from an "Authorization: Bearer <tok>"
// header, tolerating case variance in the scheme. Returns "" when absent or
// malformed.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortEnvelope(c *gin.Context, status int, code, kind, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   code,
		"kind":    kind,
		"message": msg,
	})
}

// Package auth implements the service-to-service credential layer: a client
// that obtains and caches short-lived tokens from the Certificate Authority,
// and a verifier that validates inbound bearer tokens against it.
//
// This file centralizes the sentinel errors returned by both sides so callers
// can branch with errors.Is and map them to HTTP statuses consistently.
package auth

import "errors"

var (
	// ErrAuthUnavailable indicates the Certificate Authority could not be
	// reached or returned no token. Callers should treat it as an upstream
	// outage, not a credential problem.
	ErrAuthUnavailable = errors.New("certificate authority unavailable")

	// ErrInvalidToken indicates an inbound token the CA rejected (missing,
	// malformed, expired, or revoked).
	ErrInvalidToken = errors.New("invalid service token")
)

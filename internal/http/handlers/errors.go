// Error codes and kinds shared by all endpoints.
//
// The code is a stable, machine-readable identifier clients can branch on;
// the kind is the coarser taxonomy (validation / auth / permission /
// not-found / rate-limited / upstream / internal) that maps 1:1 onto the
// HTTP status classes used by the API.
package handlers

const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeAuth             = "AUTH_ERROR"
	ErrCodePermission       = "PERMISSION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"

	// Domain-specific:
	ErrCodePrefetchFailed   = "PREFETCH_FAILED"
	ErrCodeQueueUnavailable = "QUEUE_UNAVAILABLE"
)

const (
	KindValidation  = "ValidationError"
	KindAuth        = "AuthError"
	KindPermission  = "PermissionError"
	KindNotFound    = "NotFound"
	KindRateLimited = "RateLimited"
	KindUpstream    = "UpstreamUnavailable"
	KindInternal    = "Internal"
)

// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes provide
// clients with a stable, machine-readable error taxonomy that supplements
// human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, forbidden) mirror common HTTP status
//     semantics to aid interoperability.
//   - Domain-specific codes (e.g., answer_failed, circuit_open) are reserved
//     for business logic errors that cannot be conveyed by status alone.
package handlers

const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeInternal        = "internal_error"

	// Domain-specific:
	ErrCodeAnswerFailed        = "answer_failed"
	ErrCodeCreateFailed        = "create_failed"
	ErrCodeListFailed          = "list_failed"
	ErrCodeDeleteFailed        = "delete_failed"
	ErrCodeSessionFailed       = "session_failed"
	ErrCodeCircuitOpen         = "circuit_open"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)

package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrDuplicateOrder    = errors.New("duplicate_order")
	ErrNoRouteAvailable  = errors.New("no_route_available")
	ErrExecutionFailed   = errors.New("execution_failed")
	ErrUnknownVenue      = errors.New("unknown_venue")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

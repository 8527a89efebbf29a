package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Venue Specific Errors
	ErrVenueUnavailable     = errors.New("venue API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the venue")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("venue authentication failed")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrPositionNotFound     = errors.New("position not found on the venue")
	ErrInvalidStopLevel     = errors.New("stop level rejected by the venue")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")

	// Bus Errors
	ErrBusClosed = errors.New("event bus is closed")
)

// IsTransient reports whether an error is worth retrying at the adapter-call
// boundary. Semantic rejections (invalid stops, insufficient margin) and
// idempotency conditions (position not found) are deliberately excluded.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrVenueUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited)
}

package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
)

// OrderResult holds the essential details returned by the execution venue
// after a market order fills.
type OrderResult struct {
	Ticket    string          // Venue's position/order ticket
	FillPrice decimal.Decimal // Average fill price
	Volume    decimal.Decimal // Filled volume
}

// CloseResult holds the outcome of a (possibly partial) position close.
type CloseResult struct {
	FillPrice       decimal.Decimal
	RemainingVolume decimal.Decimal // Authoritative remaining size; zero means fully closed
}

// ExecutionVenue defines the interface to the venue where mirrored trades are
// actually placed. Calls may block; callers are expected to run them through
// a bounded worker pool.
type ExecutionVenue interface {
	// Initialize establishes (or re-validates) the venue session.
	Initialize(ctx context.Context) error

	// PlaceMarketOrder opens a position with optional attached TP/SL levels.
	// symbol is the venue symbol (already mapped). Zero tp/sl mean "no level".
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, tp, sl decimal.Decimal) (*OrderResult, error)

	// ClosePosition closes volume of the position behind ticket. A zero volume
	// closes everything. A missing position is reported as ErrPositionNotFound;
	// callers treat that as an idempotent success.
	ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (*CloseResult, error)

	// UpdateStops replaces the position's protective levels. Zero clears the
	// corresponding level.
	UpdateStops(ctx context.Context, ticket string, tp, sl decimal.Decimal) error

	// ListOpenPositions returns the venue's live position set.
	ListOpenPositions(ctx context.Context) ([]domain.VenuePosition, error)
}

// SignalVenue defines the interface back to the venue where trade intent
// originates. Only closes flow in this direction: the reconciler uses it to
// propagate an execution-venue close back to the signal venue.
type SignalVenue interface {
	// ClosePosition closes the signal venue position. A missing position is
	// reported as ErrPositionNotFound; callers treat that as success.
	ClosePosition(ctx context.Context, positionID string) error
}

// TokenSource supplies the signal venue auth token. The production
// implementation observes intercepted traffic and is owned by the credential
// capture layer; it is injected here as a constructed dependency.
type TokenSource interface {
	// Token returns a currently-valid bearer token, or an error when none is
	// available.
	Token(ctx context.Context) (string, error)
	// Refresh forces a token refresh after an authentication failure.
	Refresh(ctx context.Context) (string, error)
}

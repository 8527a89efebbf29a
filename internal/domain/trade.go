package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents one mirrored order lifecycle: created on the first Open
// event for an external order, mutated as the mirrored position moves through
// its lifecycle, never deleted (closed trades remain for audit and for
// duplicate-delivery detection).
type Trade struct {
	TradeID         string // Internal correlation key (UUID, immutable)
	ExternalOrderID string // Order ID assigned by the signal venue
	PositionID      string // Signal venue position ID; set once the venue confirms execution
	ExecutionTicket string // Execution venue ticket; set at most once, on a successful open

	Instrument string // Canonical (signal venue) instrument name
	Side       OrderSide
	Quantity   decimal.Decimal
	OrderType  OrderType

	TakeProfit           decimal.Decimal // Zero when unset
	StopLoss             decimal.Decimal // Zero when unset
	TrailingStopDistance decimal.Decimal // In instrument-normalized pips; zero when not trailing

	Status       TradeStatus
	IsClosed     bool
	ErrorMessage string

	// Raw intercepted payloads, kept for audit.
	RequestPayload  string
	ResponsePayload string

	ExecutionTimeMs int64 // Duration of the last venue action

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExecutedAt time.Time // Zero until the open fills
	ClosedAt   time.Time // Zero until closed
}

// HasTicket reports whether the trade ever reached the execution venue.
func (t *Trade) HasTicket() bool {
	return t.ExecutionTicket != ""
}

// IsTrailing reports whether the trade is configured with a trailing stop.
func (t *Trade) IsTrailing() bool {
	return t.TrailingStopDistance.IsPositive()
}

// VenuePosition is a live position snapshot reported by the execution venue.
type VenuePosition struct {
	Ticket       string
	Symbol       string // Venue symbol (mapped)
	Side         OrderSide
	Volume       decimal.Decimal
	StopLoss     decimal.Decimal // Currently set stop, zero when none
	TakeProfit   decimal.Decimal // Currently set take profit, zero when none
	CurrentPrice decimal.Decimal
}

package domain

import "github.com/shopspring/decimal"

// EventKind discriminates the trade intent event variants.
type EventKind string

const (
	KindOpen               EventKind = "open"
	KindExecutionConfirmed EventKind = "execution_confirmed"
	KindClose              EventKind = "close"
	KindModify             EventKind = "modify"
	KindLevelDelete        EventKind = "level_delete"
)

// Event is a canonical trade intent event produced by the normalizer and
// consumed by the execution engine. Kind identifies the variant; Key returns
// the correlation identifier events for the same trade share, so the engine
// can serialize them.
type Event interface {
	Kind() EventKind
	Key() string
}

// OpenEvent signals a new order placed on the signal venue.
type OpenEvent struct {
	ExternalOrderID string
	Instrument      string
	Side            OrderSide
	Quantity        decimal.Decimal
	OrderType       OrderType
	Ask             decimal.Decimal
	Bid             decimal.Decimal
	TakeProfit      decimal.Decimal // Zero when the order carries no TP
	StopLoss        decimal.Decimal // Zero when the order carries no SL
	TrailingPips    decimal.Decimal // Trailing stop distance in pips; zero when not trailing

	// Raw payloads carried through for audit.
	RequestPayload  string
	ResponsePayload string
}

func (e OpenEvent) Kind() EventKind { return KindOpen }
func (e OpenEvent) Key() string     { return e.ExternalOrderID }

// ExecutionConfirmedEvent correlates a prior Open with the signal venue's
// position ID once the venue reports the fill.
type ExecutionConfirmedEvent struct {
	ExternalOrderID string
	PositionID      string
	FillPrice       decimal.Decimal
}

func (e ExecutionConfirmedEvent) Kind() EventKind { return KindExecutionConfirmed }
func (e ExecutionConfirmedEvent) Key() string     { return e.ExternalOrderID }

// CloseEvent signals a position close on the signal venue. A zero
// PartialQuantity means "close everything currently open".
type CloseEvent struct {
	PositionID      string
	PartialQuantity decimal.Decimal
}

func (e CloseEvent) Kind() EventKind { return KindClose }
func (e CloseEvent) Key() string     { return e.PositionID }

// IsPartial reports whether the close targets only part of the position.
func (e CloseEvent) IsPartial() bool { return e.PartialQuantity.IsPositive() }

// ModifyEvent signals a TP/SL change. At least one of TakeProfit/StopLoss is
// set (HasTakeProfit/HasStopLoss); an event with neither is rejected by the
// normalizer. UpstreamError carries a rejection reported by the signal venue
// itself, in which case the engine records it without touching the adapter.
type ModifyEvent struct {
	PositionID    string
	TakeProfit    decimal.Decimal
	StopLoss      decimal.Decimal
	HasTakeProfit bool
	HasStopLoss   bool
	UpstreamError string
}

func (e ModifyEvent) Kind() EventKind { return KindModify }
func (e ModifyEvent) Key() string     { return e.PositionID }

// LevelDeleteEvent clears exactly one protective level, leaving the other
// unchanged.
type LevelDeleteEvent struct {
	PositionID string
	Level      StopLevel
}

func (e LevelDeleteEvent) Kind() EventKind { return KindLevelDelete }
func (e LevelDeleteEvent) Key() string     { return e.PositionID }

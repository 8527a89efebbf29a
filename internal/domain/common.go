package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Opposite returns the closing side for this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// IsValid reports whether the side is one of the two known values.
func (s OrderSide) IsValid() bool {
	return s == Buy || s == Sell
}

// OrderType is the order type reported by the signal venue (market, limit, ...).
// The engine mirrors market executions; the type is kept for audit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TradeStatus represents the lifecycle phase of a mirrored trade.
type TradeStatus string

const (
	StatusNew     TradeStatus = "new"     // Trade record created, nothing executed yet
	StatusOpening TradeStatus = "opening" // Market order in flight on the execution venue
	StatusOpen    TradeStatus = "open"    // Mirrored position live on the execution venue
	StatusClosing TradeStatus = "closing" // Close order in flight
	StatusClosed  TradeStatus = "closed"  // Position closed on the execution venue
	StatusFailed  TradeStatus = "failed"  // Last operation failed; trade is not abandoned
)

// StopLevel identifies one of the two protective levels on a position.
type StopLevel string

const (
	LevelTakeProfit StopLevel = "takeProfit"
	LevelStopLoss   StopLevel = "stopLoss"
)

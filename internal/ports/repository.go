package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
)

// TradeUpdate carries the optional fields an UpdateStatus call may set
// alongside the status itself. Nil pointers leave the column untouched, so a
// transition touches exactly the fields it owns.
type TradeUpdate struct {
	PositionID      *string
	ExecutionTicket *string
	Quantity        *decimal.Decimal
	TakeProfit      *decimal.Decimal
	StopLoss        *decimal.Decimal
	IsClosed        *bool
	ErrorMessage    *string
	ResponsePayload *string
	ExecutionTimeMs *int64
	ExecutedAt      *time.Time
	ClosedAt        *time.Time
}

// TradeRepository defines the interface for the durable trade store. All
// mutations must be atomic per trade; the store is the single source of truth
// for trade state.
type TradeRepository interface {
	// Create saves a new trade record.
	Create(ctx context.Context, trade *domain.Trade) error
	// GetByTradeID retrieves a trade by its internal ID.
	// Returns nil, nil if not found.
	GetByTradeID(ctx context.Context, tradeID string) (*domain.Trade, error)
	// GetByExternalOrderID retrieves a trade by the signal venue's order ID.
	// Returns nil, nil if not found.
	GetByExternalOrderID(ctx context.Context, externalOrderID string) (*domain.Trade, error)
	// GetByPositionID retrieves a trade by the signal venue's position ID.
	// Returns nil, nil if not found.
	GetByPositionID(ctx context.Context, positionID string) (*domain.Trade, error)
	// GetByExecutionTicket retrieves a trade by the execution venue's ticket.
	// Returns nil, nil if not found.
	GetByExecutionTicket(ctx context.Context, ticket string) (*domain.Trade, error)
	// UpdateStatus atomically sets the trade status plus any fields present in
	// the update.
	UpdateStatus(ctx context.Context, tradeID string, status domain.TradeStatus, update TradeUpdate) error
}

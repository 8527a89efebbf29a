package trailing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
	"trademirror/internal/symbols"
)

type testLogger struct{}

func (l *testLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *testLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type memRepo struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
}

func newMemRepo(trades ...*domain.Trade) *memRepo {
	r := &memRepo{trades: make(map[string]*domain.Trade)}
	for _, t := range trades {
		cp := *t
		r.trades[t.TradeID] = &cp
	}
	return r
}

func (r *memRepo) Create(ctx context.Context, trade *domain.Trade) error { return nil }

func (r *memRepo) GetByTradeID(ctx context.Context, tradeID string) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trades[tradeID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) GetByExternalOrderID(ctx context.Context, id string) (*domain.Trade, error) {
	return nil, nil
}

func (r *memRepo) GetByPositionID(ctx context.Context, id string) (*domain.Trade, error) {
	return nil, nil
}

func (r *memRepo) GetByExecutionTicket(ctx context.Context, ticket string) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.trades {
		if t.ExecutionTicket == ticket {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, tradeID string, status domain.TradeStatus, update ports.TradeUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return ports.ErrNotFound
	}
	t.Status = status
	if update.StopLoss != nil {
		t.StopLoss = *update.StopLoss
	}
	return nil
}

type stubVenue struct {
	mu        sync.Mutex
	positions []domain.VenuePosition
	stopsErr  error
	stopCalls int
	lastTP    decimal.Decimal
	lastSL    decimal.Decimal
}

func (v *stubVenue) Initialize(ctx context.Context) error { return nil }
func (v *stubVenue) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, tp, sl decimal.Decimal) (*ports.OrderResult, error) {
	return nil, nil
}
func (v *stubVenue) ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (*ports.CloseResult, error) {
	return nil, nil
}
func (v *stubVenue) UpdateStops(ctx context.Context, ticket string, tp, sl decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopCalls++
	v.lastTP = tp
	v.lastSL = sl
	return v.stopsErr
}
func (v *stubVenue) ListOpenPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions, nil
}

func trailingTrade(distance string) *domain.Trade {
	return &domain.Trade{
		TradeID:              "tr-1",
		ExecutionTicket:      "T1",
		Instrument:           "EURUSD",
		Side:                 domain.Buy,
		Quantity:             decimal.RequireFromString("0.01"),
		TrailingStopDistance: decimal.RequireFromString(distance),
		Status:               domain.StatusOpen,
	}
}

func newMonitor(t *testing.T, venue *stubVenue, repo *memRepo) *Monitor {
	t.Helper()
	pips, err := symbols.NewPipTable(symbols.PipTableConfig{Logger: &testLogger{}})
	require.NoError(t, err)
	m, err := New(Config{
		Venue:      venue,
		Repo:       repo,
		Pips:       pips,
		Logger:     &testLogger{},
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

func TestMonitor_TightensLongStop(t *testing.T) {
	repo := newMemRepo(trailingTrade("20"))
	venue := &stubVenue{positions: []domain.VenuePosition{{
		Ticket:       "T1",
		Side:         domain.Buy,
		StopLoss:     decimal.RequireFromString("1.0950"),
		TakeProfit:   decimal.RequireFromString("1.1100"),
		CurrentPrice: decimal.RequireFromString("1.1000"),
	}}}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())

	// 20 pips at 0.0001 below 1.1000 = 1.0980, above the current 1.0950.
	require.Equal(t, 1, venue.stopCalls)
	assert.True(t, venue.lastSL.Equal(decimal.RequireFromString("1.0980")))
	assert.True(t, venue.lastTP.Equal(decimal.RequireFromString("1.1100")))

	trade, err := repo.GetByTradeID(context.Background(), "tr-1")
	require.NoError(t, err)
	assert.True(t, trade.StopLoss.Equal(decimal.RequireFromString("1.0980")))
}

func TestMonitor_NeverLoosensLongStop(t *testing.T) {
	repo := newMemRepo(trailingTrade("20"))
	venue := &stubVenue{positions: []domain.VenuePosition{{
		Ticket:       "T1",
		Side:         domain.Buy,
		StopLoss:     decimal.RequireFromString("1.0990"),
		CurrentPrice: decimal.RequireFromString("1.1000"),
	}}}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())

	// Candidate 1.0980 is below the current 1.0990 and must not be applied.
	assert.Equal(t, 0, venue.stopCalls)
}

func TestMonitor_TightensShortStop(t *testing.T) {
	trade := trailingTrade("20")
	trade.Side = domain.Sell
	repo := newMemRepo(trade)
	venue := &stubVenue{positions: []domain.VenuePosition{{
		Ticket:       "T1",
		Side:         domain.Sell,
		StopLoss:     decimal.RequireFromString("1.1050"),
		CurrentPrice: decimal.RequireFromString("1.1000"),
	}}}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())

	require.Equal(t, 1, venue.stopCalls)
	assert.True(t, venue.lastSL.Equal(decimal.RequireFromString("1.1020")))
}

func TestMonitor_SetsInitialStop(t *testing.T) {
	repo := newMemRepo(trailingTrade("20"))
	venue := &stubVenue{positions: []domain.VenuePosition{{
		Ticket:       "T1",
		Side:         domain.Buy,
		CurrentPrice: decimal.RequireFromString("1.1000"),
	}}}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())

	require.Equal(t, 1, venue.stopCalls)
	assert.True(t, venue.lastSL.Equal(decimal.RequireFromString("1.0980")))
}

func TestMonitor_SkipsNonTrailingTrades(t *testing.T) {
	trade := trailingTrade("0")
	repo := newMemRepo(trade)
	venue := &stubVenue{positions: []domain.VenuePosition{{
		Ticket:       "T1",
		Side:         domain.Buy,
		CurrentPrice: decimal.RequireFromString("1.1000"),
	}}}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())
	assert.Equal(t, 0, venue.stopCalls)
}

func TestMonitor_SkipsUnknownTickets(t *testing.T) {
	repo := newMemRepo()
	venue := &stubVenue{positions: []domain.VenuePosition{{
		Ticket:       "T9",
		Side:         domain.Buy,
		CurrentPrice: decimal.RequireFromString("1.1000"),
	}}}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())
	assert.Equal(t, 0, venue.stopCalls)
}

func TestMonitor_VenueFailureRecomputedNextTick(t *testing.T) {
	repo := newMemRepo(trailingTrade("20"))
	venue := &stubVenue{
		positions: []domain.VenuePosition{{
			Ticket:       "T1",
			Side:         domain.Buy,
			CurrentPrice: decimal.RequireFromString("1.1000"),
		}},
		stopsErr: fmt.Errorf("stops: %w", ports.ErrInvalidStopLevel),
	}
	m := newMonitor(t, venue, repo)

	m.Tick(context.Background())

	trade, err := repo.GetByTradeID(context.Background(), "tr-1")
	require.NoError(t, err)
	assert.True(t, trade.StopLoss.IsZero())
}

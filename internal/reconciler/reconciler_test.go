package reconciler

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
	"trademirror/internal/engine"
	"trademirror/internal/ports"
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

func (r *memRepo) Create(ctx context.Context, trade *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *trade
	r.trades[trade.TradeID] = &cp
	return nil
}

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
	return r.find(func(t *domain.Trade) bool { return t.ExternalOrderID == id })
}

func (r *memRepo) GetByPositionID(ctx context.Context, id string) (*domain.Trade, error) {
	return r.find(func(t *domain.Trade) bool { return t.PositionID == id })
}

func (r *memRepo) GetByExecutionTicket(ctx context.Context, ticket string) (*domain.Trade, error) {
	return r.find(func(t *domain.Trade) bool { return t.ExecutionTicket == ticket })
}

func (r *memRepo) find(match func(*domain.Trade) bool) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.trades {
		if match(t) {
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
	if update.IsClosed != nil {
		t.IsClosed = *update.IsClosed
	}
	if update.ErrorMessage != nil {
		t.ErrorMessage = *update.ErrorMessage
	}
	if update.ClosedAt != nil {
		t.ClosedAt = *update.ClosedAt
	}
	return nil
}

type stubVenue struct {
	mu        sync.Mutex
	positions []domain.VenuePosition
	listErr   error
}

func (v *stubVenue) Initialize(ctx context.Context) error { return nil }
func (v *stubVenue) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, tp, sl decimal.Decimal) (*ports.OrderResult, error) {
	return nil, nil
}
func (v *stubVenue) ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (*ports.CloseResult, error) {
	return nil, nil
}
func (v *stubVenue) UpdateStops(ctx context.Context, ticket string, tp, sl decimal.Decimal) error {
	return nil
}
func (v *stubVenue) ListOpenPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions, v.listErr
}

type stubSignal struct {
	mu       sync.Mutex
	closeErr error
	calls    []string
}

func (s *stubSignal) ClosePosition(ctx context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, positionID)
	return s.closeErr
}

func openTrade(tradeID, ticket, positionID string) *domain.Trade {
	return &domain.Trade{
		TradeID:         tradeID,
		ExternalOrderID: "ORD-" + tradeID,
		PositionID:      positionID,
		ExecutionTicket: ticket,
		Instrument:      "EURUSD",
		Side:            domain.Buy,
		Quantity:        decimal.RequireFromString("0.01"),
		Status:          domain.StatusOpen,
	}
}

func newReconciler(t *testing.T, venue *stubVenue, signal *stubSignal, repo *memRepo, positions *engine.PositionSet) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Venue:      venue,
		Signal:     signal,
		Repo:       repo,
		Positions:  positions,
		Logger:     &testLogger{},
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func TestReconciler_Seed(t *testing.T) {
	repo := newMemRepo(openTrade("tr-1", "T1", "P1"))
	venue := &stubVenue{positions: []domain.VenuePosition{
		{Ticket: "T1", Symbol: "EURUSD.a"},
		{Ticket: "T9", Symbol: "GBPUSD.a"}, // Unknown to the store
	}}
	positions := engine.NewPositionSet()
	r := newReconciler(t, venue, &stubSignal{}, repo, positions)

	require.NoError(t, r.Seed(context.Background()))
	assert.Equal(t, 2, positions.Len())
	id, ok := positions.TradeID("T1")
	require.True(t, ok)
	assert.Equal(t, "tr-1", id)
	id, ok = positions.TradeID("T9")
	require.True(t, ok)
	assert.Empty(t, id)
}

func TestReconciler_ExternalCloseConverges(t *testing.T) {
	repo := newMemRepo(openTrade("tr-1", "T1", "P1"))
	venue := &stubVenue{} // Venue reports no live positions
	signal := &stubSignal{}
	positions := engine.NewPositionSet()
	positions.Add("T1", "tr-1")
	r := newReconciler(t, venue, signal, repo, positions)

	r.Tick(context.Background())

	assert.Equal(t, []string{"P1"}, signal.calls)
	assert.False(t, positions.Has("T1"))
	trade, err := repo.GetByTradeID(context.Background(), "tr-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, trade.Status)
	assert.True(t, trade.IsClosed)
	assert.False(t, trade.ClosedAt.IsZero())
}

func TestReconciler_SignalNotFoundIsSuccess(t *testing.T) {
	repo := newMemRepo(openTrade("tr-1", "T1", "P1"))
	venue := &stubVenue{}
	signal := &stubSignal{closeErr: fmt.Errorf("close: %w", ports.ErrPositionNotFound)}
	positions := engine.NewPositionSet()
	positions.Add("T1", "tr-1")
	r := newReconciler(t, venue, signal, repo, positions)

	r.Tick(context.Background())

	assert.False(t, positions.Has("T1"))
	trade, err := repo.GetByTradeID(context.Background(), "tr-1")
	require.NoError(t, err)
	assert.True(t, trade.IsClosed)
	assert.Empty(t, trade.ErrorMessage)
}

func TestReconciler_LivePositionLeftAlone(t *testing.T) {
	repo := newMemRepo(openTrade("tr-1", "T1", "P1"))
	venue := &stubVenue{positions: []domain.VenuePosition{{Ticket: "T1"}}}
	signal := &stubSignal{}
	positions := engine.NewPositionSet()
	positions.Add("T1", "tr-1")
	r := newReconciler(t, venue, signal, repo, positions)

	r.Tick(context.Background())

	assert.Empty(t, signal.calls)
	assert.True(t, positions.Has("T1"))
}

func TestReconciler_FailureRetriedNextTick(t *testing.T) {
	repo := newMemRepo(openTrade("tr-1", "T1", "P1"))
	venue := &stubVenue{}
	signal := &stubSignal{closeErr: fmt.Errorf("close: %w", ports.ErrVenueUnavailable)}
	positions := engine.NewPositionSet()
	positions.Add("T1", "tr-1")
	r := newReconciler(t, venue, signal, repo, positions)

	ctx := context.Background()
	r.Tick(ctx)

	// Still tracked after the failed tick.
	assert.True(t, positions.Has("T1"))
	trade, err := repo.GetByTradeID(ctx, "tr-1")
	require.NoError(t, err)
	assert.False(t, trade.IsClosed)

	// The venue recovers; the next tick converges.
	signal.mu.Lock()
	signal.closeErr = nil
	signal.mu.Unlock()
	r.Tick(ctx)

	assert.False(t, positions.Has("T1"))
	trade, err = repo.GetByTradeID(ctx, "tr-1")
	require.NoError(t, err)
	assert.True(t, trade.IsClosed)
}

func TestReconciler_AlreadyClosedSkipped(t *testing.T) {
	trade := openTrade("tr-1", "T1", "P1")
	trade.Status = domain.StatusClosed
	trade.IsClosed = true
	repo := newMemRepo(trade)
	venue := &stubVenue{}
	signal := &stubSignal{}
	positions := engine.NewPositionSet()
	positions.Add("T1", "tr-1")
	r := newReconciler(t, venue, signal, repo, positions)

	r.Tick(context.Background())

	assert.Empty(t, signal.calls)
	assert.False(t, positions.Has("T1"))
}

func TestReconciler_ListFailureKeepsSet(t *testing.T) {
	repo := newMemRepo(openTrade("tr-1", "T1", "P1"))
	venue := &stubVenue{listErr: fmt.Errorf("list: %w", ports.ErrConnectionFailed)}
	signal := &stubSignal{}
	positions := engine.NewPositionSet()
	positions.Add("T1", "tr-1")
	r := newReconciler(t, venue, signal, repo, positions)

	r.Tick(context.Background())

	assert.Empty(t, signal.calls)
	assert.True(t, positions.Has("T1"))
}

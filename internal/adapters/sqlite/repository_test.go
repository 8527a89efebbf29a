package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
)

type testLogger struct{}

func (l *testLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *testLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: &testLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestTrade() *domain.Trade {
	return &domain.Trade{
		TradeID:         uuid.NewString(),
		ExternalOrderID: uuid.NewString(),
		Instrument:      "BTCUSD",
		Side:            domain.Buy,
		Quantity:        decimal.RequireFromString("0.01"),
		OrderType:       domain.OrderTypeMarket,
		StopLoss:        decimal.NewFromInt(95000),
		Status:          domain.StatusNew,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	trade := newTestTrade()
	require.NoError(t, repo.Create(ctx, trade))

	got, err := repo.GetByTradeID(ctx, trade.TradeID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, trade.ExternalOrderID, got.ExternalOrderID)
	assert.Equal(t, domain.Buy, got.Side)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(95000)))
	assert.True(t, got.TakeProfit.IsZero())
	assert.Equal(t, domain.StatusNew, got.Status)
	assert.False(t, got.IsClosed)

	byOrder, err := repo.GetByExternalOrderID(ctx, trade.ExternalOrderID)
	require.NoError(t, err)
	require.NotNil(t, byOrder)
	assert.Equal(t, trade.TradeID, byOrder.TradeID)
}

func TestRepository_DuplicateExternalOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	trade := newTestTrade()
	require.NoError(t, repo.Create(ctx, trade))

	dup := newTestTrade()
	dup.ExternalOrderID = trade.ExternalOrderID
	err := repo.Create(ctx, dup)
	assert.ErrorIs(t, err, ports.ErrDuplicateEntry)
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	got, err := repo.GetByTradeID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.GetByPositionID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.GetByExecutionTicket(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	trade := newTestTrade()
	require.NoError(t, repo.Create(ctx, trade))

	ticket := "T1"
	positionID := "P1"
	executedAt := time.Now().UTC()
	require.NoError(t, repo.UpdateStatus(ctx, trade.TradeID, domain.StatusOpen, ports.TradeUpdate{
		ExecutionTicket: &ticket,
		PositionID:      &positionID,
		ExecutedAt:      &executedAt,
	}))

	got, err := repo.GetByExecutionTicket(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Equal(t, "P1", got.PositionID)
	assert.WithinDuration(t, executedAt, got.ExecutedAt, time.Second)
	// Fields not present in the update are untouched.
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(95000)))

	byPos, err := repo.GetByPositionID(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, byPos)
	assert.Equal(t, trade.TradeID, byPos.TradeID)
}

func TestRepository_UpdateStatus_Close(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	trade := newTestTrade()
	require.NoError(t, repo.Create(ctx, trade))

	closed := true
	closedAt := time.Now().UTC()
	require.NoError(t, repo.UpdateStatus(ctx, trade.TradeID, domain.StatusClosed, ports.TradeUpdate{
		IsClosed: &closed,
		ClosedAt: &closedAt,
	}))

	got, err := repo.GetByTradeID(ctx, trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.True(t, got.IsClosed)
	assert.WithinDuration(t, closedAt, got.ClosedAt, time.Second)
}

func TestRepository_UpdateStatus_Missing(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.UpdateStatus(context.Background(), "missing", domain.StatusFailed, ports.TradeUpdate{})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

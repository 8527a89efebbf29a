// Package sqlite implements the trade store over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
	"trademirror/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trademirror.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the engine and the loops
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite handles concurrency internally; keep the Go side single-connection
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Trade store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		external_order_id TEXT NOT NULL,
		position_id TEXT DEFAULT '',
		execution_ticket TEXT DEFAULT '',
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		order_type TEXT NOT NULL,
		take_profit TEXT DEFAULT '',
		stop_loss TEXT DEFAULT '',
		trailing_stop_distance TEXT DEFAULT '',
		status TEXT NOT NULL,
		is_closed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		request_payload TEXT DEFAULT '',
		response_payload TEXT DEFAULT '',
		execution_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		executed_at TIMESTAMP DEFAULT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_external_order_id ON trades (external_order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_position_id ON trades (position_id);
	CREATE INDEX IF NOT EXISTS idx_trades_execution_ticket ON trades (execution_ticket);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing trade store")
		return r.db.Close()
	}
	return nil
}

// Create saves a new trade record.
func (r *Repository) Create(ctx context.Context, trade *domain.Trade) error {
	const query = `
	INSERT INTO trades (
		trade_id, external_order_id, position_id, execution_ticket, instrument,
		side, quantity, order_type, take_profit, stop_loss, trailing_stop_distance,
		status, is_closed, error_message, request_payload, response_payload,
		execution_time_ms, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	trade.CreatedAt = now
	trade.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		trade.TradeID, trade.ExternalOrderID, trade.PositionID, trade.ExecutionTicket,
		trade.Instrument, string(trade.Side), decimalToColumn(trade.Quantity), string(trade.OrderType),
		decimalToColumn(trade.TakeProfit), decimalToColumn(trade.StopLoss), decimalToColumn(trade.TrailingStopDistance),
		string(trade.Status), boolToInt(trade.IsClosed), trade.ErrorMessage,
		trade.RequestPayload, trade.ResponsePayload, trade.ExecutionTimeMs,
		trade.CreatedAt, trade.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("trade for external order %s already exists: %w", trade.ExternalOrderID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert trade %s: %w", trade.TradeID, err)
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": trade.TradeID, "externalOrderID": trade.ExternalOrderID})
	return nil
}

// GetByTradeID retrieves a trade by its internal ID.
func (r *Repository) GetByTradeID(ctx context.Context, tradeID string) (*domain.Trade, error) {
	return r.getBy(ctx, "trade_id = ?", tradeID)
}

// GetByExternalOrderID retrieves a trade by the signal venue's order ID.
func (r *Repository) GetByExternalOrderID(ctx context.Context, externalOrderID string) (*domain.Trade, error) {
	return r.getBy(ctx, "external_order_id = ?", externalOrderID)
}

// GetByPositionID retrieves a trade by the signal venue's position ID.
func (r *Repository) GetByPositionID(ctx context.Context, positionID string) (*domain.Trade, error) {
	if positionID == "" {
		return nil, nil
	}
	return r.getBy(ctx, "position_id = ?", positionID)
}

// GetByExecutionTicket retrieves a trade by the execution venue's ticket.
func (r *Repository) GetByExecutionTicket(ctx context.Context, ticket string) (*domain.Trade, error) {
	if ticket == "" {
		return nil, nil
	}
	return r.getBy(ctx, "execution_ticket = ?", ticket)
}

const selectColumns = `
	SELECT trade_id, external_order_id, position_id, execution_ticket, instrument,
	       side, quantity, order_type, take_profit, stop_loss, trailing_stop_distance,
	       status, is_closed, error_message, request_payload, response_payload,
	       execution_time_ms, created_at, updated_at, executed_at, closed_at
	FROM trades`

func (r *Repository) getBy(ctx context.Context, where string, arg interface{}) (*domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" WHERE "+where, arg)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade (%s): %w: %w", where, ports.ErrQueryFailed, err)
	}
	return trade, nil
}

// UpdateStatus atomically sets the trade status plus any fields present in
// the update. The SET clause is built from the populated fields so a
// transition touches exactly the columns it owns.
func (r *Repository) UpdateStatus(ctx context.Context, tradeID string, status domain.TradeStatus, update ports.TradeUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(status), time.Now().UTC()}

	if update.PositionID != nil {
		sets = append(sets, "position_id = ?")
		args = append(args, *update.PositionID)
	}
	if update.ExecutionTicket != nil {
		sets = append(sets, "execution_ticket = ?")
		args = append(args, *update.ExecutionTicket)
	}
	if update.Quantity != nil {
		sets = append(sets, "quantity = ?")
		args = append(args, decimalToColumn(*update.Quantity))
	}
	if update.TakeProfit != nil {
		sets = append(sets, "take_profit = ?")
		args = append(args, decimalToColumn(*update.TakeProfit))
	}
	if update.StopLoss != nil {
		sets = append(sets, "stop_loss = ?")
		args = append(args, decimalToColumn(*update.StopLoss))
	}
	if update.IsClosed != nil {
		sets = append(sets, "is_closed = ?")
		args = append(args, boolToInt(*update.IsClosed))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ResponsePayload != nil {
		sets = append(sets, "response_payload = ?")
		args = append(args, *update.ResponsePayload)
	}
	if update.ExecutionTimeMs != nil {
		sets = append(sets, "execution_time_ms = ?")
		args = append(args, *update.ExecutionTimeMs)
	}
	if update.ExecutedAt != nil {
		sets = append(sets, "executed_at = ?")
		args = append(args, *update.ExecutedAt)
	}
	if update.ClosedAt != nil {
		sets = append(sets, "closed_at = ?")
		args = append(args, *update.ClosedAt)
	}
	args = append(args, tradeID)

	query := "UPDATE trades SET " + strings.Join(sets, ", ") + " WHERE trade_id = ?"
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w: %w", tradeID, ports.ErrUpdateFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for trade %s: %w", tradeID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade %s not found for update: %w", tradeID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": tradeID, "status": status})
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTrade.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	var t domain.Trade
	var side, orderType, status string
	var quantity, takeProfit, stopLoss, trailing string
	var isClosed int
	var executedAt, closedAt sql.NullTime

	err := s.Scan(
		&t.TradeID, &t.ExternalOrderID, &t.PositionID, &t.ExecutionTicket, &t.Instrument,
		&side, &quantity, &orderType, &takeProfit, &stopLoss, &trailing,
		&status, &isClosed, &t.ErrorMessage, &t.RequestPayload, &t.ResponsePayload,
		&t.ExecutionTimeMs, &t.CreatedAt, &t.UpdatedAt, &executedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	t.Side = domain.OrderSide(side)
	t.OrderType = domain.OrderType(orderType)
	t.Status = domain.TradeStatus(status)
	t.IsClosed = isClosed != 0
	if t.Quantity, err = columnToDecimal(quantity); err != nil {
		return nil, fmt.Errorf("invalid quantity column for trade %s: %w", t.TradeID, err)
	}
	if t.TakeProfit, err = columnToDecimal(takeProfit); err != nil {
		return nil, fmt.Errorf("invalid take_profit column for trade %s: %w", t.TradeID, err)
	}
	if t.StopLoss, err = columnToDecimal(stopLoss); err != nil {
		return nil, fmt.Errorf("invalid stop_loss column for trade %s: %w", t.TradeID, err)
	}
	if t.TrailingStopDistance, err = columnToDecimal(trailing); err != nil {
		return nil, fmt.Errorf("invalid trailing_stop_distance column for trade %s: %w", t.TradeID, err)
	}
	if executedAt.Valid {
		t.ExecutedAt = executedAt.Time
	}
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	return &t, nil
}

// Decimals are stored as their canonical string form; the empty string means
// "unset" and scans back to the zero decimal.
func decimalToColumn(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func columnToDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

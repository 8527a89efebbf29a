// Package trailing recomputes stop-loss levels for trades configured with a
// trailing distance and pushes them to the execution venue. Stops only ever
// tighten: a candidate that is not strictly better than the venue's current
// stop is skipped.
package trailing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
	"trademirror/internal/retry"
	"trademirror/internal/symbols"
)

// DefaultInterval matches the reconciler's polling cadence.
const DefaultInterval = time.Second

// Config holds the monitor's dependencies.
type Config struct {
	Venue  ports.ExecutionVenue
	Repo   ports.TradeRepository
	Pips   *symbols.PipTable
	Logger ports.Logger

	Interval      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Monitor is the periodic trailing-stop adjuster.
type Monitor struct {
	venue  ports.ExecutionVenue
	repo   ports.TradeRepository
	pips   *symbols.PipTable
	logger ports.Logger

	interval      time.Duration
	retryAttempts int
	retryDelay    time.Duration
}

// New creates the monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Venue == nil || cfg.Repo == nil || cfg.Pips == nil {
		return nil, fmt.Errorf("venue, repo and pips are required for trailing monitor")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for trailing monitor")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = retry.DefaultAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = retry.DefaultBaseDelay
	}
	return &Monitor{
		venue:         cfg.Venue,
		repo:          cfg.Repo,
		pips:          cfg.Pips,
		logger:        cfg.Logger,
		interval:      interval,
		retryAttempts: attempts,
		retryDelay:    delay,
	}, nil
}

// Run drives Tick on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info(ctx, "Trailing stop monitor started", map[string]interface{}{"interval": m.interval.String()})
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Trailing stop monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one adjustment pass over the venue's live positions.
func (m *Monitor) Tick(ctx context.Context) {
	live, err := m.venue.ListOpenPositions(ctx)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to list live positions for trailing pass")
		return
	}
	for _, pos := range live {
		m.adjust(ctx, pos)
	}
}

// adjust recomputes the candidate stop for one live position and applies it
// when it tightens the current level.
func (m *Monitor) adjust(ctx context.Context, pos domain.VenuePosition) {
	trade, err := m.repo.GetByExecutionTicket(ctx, pos.Ticket)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to look up trade for trailing pass", map[string]interface{}{"ticket": pos.Ticket})
		return
	}
	if trade == nil || trade.IsClosed || !trade.IsTrailing() {
		return
	}
	if pos.CurrentPrice.IsZero() {
		return
	}

	pip := m.pips.PipSize(ctx, trade.Instrument)
	distance := trade.TrailingStopDistance.Mul(pip)

	var candidate decimal.Decimal
	if pos.Side == domain.Buy {
		candidate = pos.CurrentPrice.Sub(distance)
	} else {
		candidate = pos.CurrentPrice.Add(distance)
	}
	if !tightens(pos.Side, candidate, pos.StopLoss) {
		return
	}

	err = retry.WithRetry(ctx, m.retryAttempts, m.retryDelay, func(ctx context.Context) error {
		return m.venue.UpdateStops(ctx, pos.Ticket, pos.TakeProfit, candidate)
	})
	if err != nil {
		// Next tick recomputes against fresh prices.
		m.logger.Error(ctx, err, "Failed to trail stop", map[string]interface{}{
			"ticket": pos.Ticket, "candidate": candidate.String(),
		})
		return
	}

	if uerr := m.repo.UpdateStatus(ctx, trade.TradeID, trade.Status, ports.TradeUpdate{StopLoss: &candidate}); uerr != nil {
		m.logger.Error(ctx, uerr, "Trailed stop applied but store update failed", map[string]interface{}{
			"tradeID": trade.TradeID,
		})
	}
	m.logger.Info(ctx, "Trailing stop tightened", map[string]interface{}{
		"ticket": pos.Ticket, "from": pos.StopLoss.String(), "to": candidate.String(),
		"price": pos.CurrentPrice.String(),
	})
}

// tightens reports whether candidate is strictly better than current for the
// position's side. An unset current stop accepts any candidate.
func tightens(side domain.OrderSide, candidate, current decimal.Decimal) bool {
	if !candidate.IsPositive() {
		return false
	}
	if current.IsZero() {
		return true
	}
	if side == domain.Buy {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// Package reconciler detects divergence between the execution venue's live
// position set and the trades the engine believes are open, and propagates
// externally detected closes back to the signal venue. It never permanently
// gives up: anything it cannot resolve this tick is retried on the next.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trademirror/internal/domain"
	"trademirror/internal/engine"
	"trademirror/internal/ports"
	"trademirror/internal/retry"
)

// DefaultInterval is the reference polling cadence.
const DefaultInterval = time.Second

// Config holds the reconciler's dependencies.
type Config struct {
	Venue     ports.ExecutionVenue
	Signal    ports.SignalVenue
	Repo      ports.TradeRepository
	Positions *engine.PositionSet
	Logger    ports.Logger

	Interval      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Reconciler is the periodic divergence checker.
type Reconciler struct {
	venue     ports.ExecutionVenue
	signal    ports.SignalVenue
	repo      ports.TradeRepository
	positions *engine.PositionSet
	logger    ports.Logger

	interval      time.Duration
	retryAttempts int
	retryDelay    time.Duration
}

// New creates the reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Venue == nil || cfg.Signal == nil || cfg.Repo == nil || cfg.Positions == nil {
		return nil, fmt.Errorf("venue, signal, repo and positions are required for reconciler")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for reconciler")
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
	return &Reconciler{
		venue:         cfg.Venue,
		signal:        cfg.Signal,
		repo:          cfg.Repo,
		positions:     cfg.Positions,
		logger:        cfg.Logger,
		interval:      interval,
		retryAttempts: attempts,
		retryDelay:    delay,
	}, nil
}

// Seed populates the position set from the venue's current live positions,
// so trades opened by a previous run are still reconciled. Must run before
// the first tick.
func (r *Reconciler) Seed(ctx context.Context) error {
	live, err := r.venue.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("seeding open positions: %w", err)
	}
	for _, pos := range live {
		tradeID := ""
		trade, err := r.repo.GetByExecutionTicket(ctx, pos.Ticket)
		if err != nil {
			return fmt.Errorf("seeding ticket %s: %w", pos.Ticket, err)
		}
		if trade != nil {
			tradeID = trade.TradeID
		}
		r.positions.Add(pos.Ticket, tradeID)
	}
	r.logger.Info(ctx, "Open position set seeded from execution venue", map[string]interface{}{
		"count": r.positions.Len(),
	})
	return nil
}

// Run drives Tick on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info(ctx, "Reconciliation loop started", map[string]interface{}{"interval": r.interval.String()})
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "Reconciliation loop stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass: compute tracked minus live and close
// the signal venue side of every ticket the venue no longer reports.
func (r *Reconciler) Tick(ctx context.Context) {
	live, err := r.venue.ListOpenPositions(ctx)
	if err != nil {
		// Next tick retries; the set stays conservative in the meantime.
		r.logger.Error(ctx, err, "Failed to list live positions")
		return
	}
	liveSet := make(map[string]bool, len(live))
	for _, pos := range live {
		liveSet[pos.Ticket] = true
	}

	for _, ticket := range r.positions.Tickets() {
		if liveSet[ticket] {
			continue
		}
		r.resolveClosed(ctx, ticket)
	}
}

// resolveClosed handles one ticket that disappeared from the venue between
// polls.
func (r *Reconciler) resolveClosed(ctx context.Context, ticket string) {
	trade, err := r.findTrade(ctx, ticket)
	if err != nil {
		r.logger.Error(ctx, err, "Failed to look up trade for closed ticket", map[string]interface{}{"ticket": ticket})
		return
	}
	if trade == nil {
		// Seeded ticket with no store record; nothing to close upstream.
		r.logger.Warn(ctx, "Untracked ticket gone from venue, dropping", map[string]interface{}{"ticket": ticket})
		r.positions.Remove(ticket)
		return
	}
	if trade.IsClosed {
		r.positions.Remove(ticket)
		return
	}
	if trade.PositionID == "" {
		// Execution never confirmed upstream, so there is no signal venue
		// position to close. Record the external close and move on.
		r.logger.Warn(ctx, "Ticket closed externally before execution confirmation", map[string]interface{}{
			"ticket": ticket, "tradeID": trade.TradeID,
		})
		r.markClosed(ctx, trade, ticket, "closed externally before execution confirmation")
		return
	}

	err = retry.WithRetry(ctx, r.retryAttempts, r.retryDelay, func(ctx context.Context) error {
		return r.signal.ClosePosition(ctx, trade.PositionID)
	})
	switch {
	case err == nil:
		r.logger.Info(ctx, "Signal venue position closed after external close", map[string]interface{}{
			"ticket": ticket, "positionID": trade.PositionID,
		})
		r.markClosed(ctx, trade, ticket, "")
	case errors.Is(err, ports.ErrPositionNotFound):
		r.logger.Info(ctx, "Signal venue position already gone, treating close as success", map[string]interface{}{
			"ticket": ticket, "positionID": trade.PositionID,
		})
		r.markClosed(ctx, trade, ticket, "")
	default:
		// Leave the ticket tracked; the next tick retries.
		r.logger.Error(ctx, err, "Failed to close signal venue position", map[string]interface{}{
			"ticket": ticket, "positionID": trade.PositionID,
		})
	}
}

func (r *Reconciler) findTrade(ctx context.Context, ticket string) (*domain.Trade, error) {
	if tradeID, ok := r.positions.TradeID(ticket); ok && tradeID != "" {
		return r.repo.GetByTradeID(ctx, tradeID)
	}
	return r.repo.GetByExecutionTicket(ctx, ticket)
}

func (r *Reconciler) markClosed(ctx context.Context, trade *domain.Trade, ticket, note string) {
	closedAt := time.Now().UTC()
	closed := true
	update := ports.TradeUpdate{IsClosed: &closed, ClosedAt: &closedAt}
	if note != "" {
		update.ErrorMessage = &note
	}
	if err := r.repo.UpdateStatus(ctx, trade.TradeID, domain.StatusClosed, update); err != nil {
		r.logger.Error(ctx, err, "Failed to mark trade closed during reconciliation", map[string]interface{}{
			"tradeID": trade.TradeID,
		})
		return
	}
	r.positions.Remove(ticket)
}

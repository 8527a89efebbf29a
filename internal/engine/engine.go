// Package engine drives the per-trade state machine. It consumes trade
// intent events from the bus, serializes work per trade, calls the execution
// venue adapter with bounded retry and persists every outcome to the trade
// store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
	"trademirror/internal/retry"
	"trademirror/internal/symbols"
)

// Config holds the engine's dependencies and tuning knobs.
type Config struct {
	Repo      ports.TradeRepository
	Venue     ports.ExecutionVenue
	Mapper    *symbols.Mapper
	Positions *PositionSet
	Logger    ports.Logger

	Workers       int           // Concurrent venue calls; default 4
	RetryAttempts int           // Default retry.DefaultAttempts
	RetryDelay    time.Duration // Default retry.DefaultBaseDelay
}

// Engine is the bus consumer. HandleEvent resolves the owning trade and hands
// the work to a per-trade serial queue, so adapter calls for the same trade
// never overlap while different trades proceed concurrently.
type Engine struct {
	repo      ports.TradeRepository
	venue     ports.ExecutionVenue
	mapper    *symbols.Mapper
	positions *PositionSet
	logger    ports.Logger
	exec      *serialExecutor

	// pending maps position IDs of accepted-but-not-yet-persisted execution
	// confirmations to their trade. Close/Modify events arriving while the
	// confirmation is still queued behind an in-flight open resolve through
	// it instead of being dropped as unknown.
	mu      sync.Mutex
	pending map[string]string

	retryAttempts int
	retryDelay    time.Duration
}

// New creates the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Repo == nil || cfg.Venue == nil || cfg.Mapper == nil || cfg.Positions == nil {
		return nil, fmt.Errorf("repo, venue, mapper and positions are required for engine")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for engine")
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = retry.DefaultAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = retry.DefaultBaseDelay
	}
	return &Engine{
		repo:          cfg.Repo,
		venue:         cfg.Venue,
		mapper:        cfg.Mapper,
		positions:     cfg.Positions,
		logger:        cfg.Logger,
		exec:          newSerialExecutor(cfg.Workers),
		pending:       make(map[string]string),
		retryAttempts: attempts,
		retryDelay:    delay,
	}, nil
}

// HandleEvent is the bus subscriber entry point. It performs the store
// lookups needed to resolve the owning trade, then schedules the venue work.
// A returned error asks the bus for redelivery, so only store connectivity
// failures return errors; correlation misses and duplicates are logged and
// dropped.
func (e *Engine) HandleEvent(ctx context.Context, event domain.Event) error {
	switch ev := event.(type) {
	case domain.OpenEvent:
		return e.acceptOpen(ctx, ev)
	case domain.ExecutionConfirmedEvent:
		return e.acceptConfirm(ctx, ev)
	case domain.CloseEvent:
		return e.acceptByPosition(ctx, ev.PositionID, event)
	case domain.ModifyEvent:
		return e.acceptByPosition(ctx, ev.PositionID, event)
	case domain.LevelDeleteEvent:
		return e.acceptByPosition(ctx, ev.PositionID, event)
	default:
		e.logger.Warn(ctx, "Dropping event of unknown kind", map[string]interface{}{"kind": event.Kind()})
		return nil
	}
}

// Wait blocks until all scheduled trade work has finished. Called during
// shutdown after the bus has been closed.
func (e *Engine) Wait() {
	e.exec.Wait()
}

func (e *Engine) acceptOpen(ctx context.Context, ev domain.OpenEvent) error {
	existing, err := e.repo.GetByExternalOrderID(ctx, ev.ExternalOrderID)
	if err != nil {
		return fmt.Errorf("resolving open event: %w", err)
	}
	if existing != nil {
		e.logger.Info(ctx, "Duplicate open event ignored", map[string]interface{}{
			"externalOrderID": ev.ExternalOrderID, "tradeID": existing.TradeID,
		})
		return nil
	}

	now := time.Now().UTC()
	trade := &domain.Trade{
		TradeID:              uuid.NewString(),
		ExternalOrderID:      ev.ExternalOrderID,
		Instrument:           ev.Instrument,
		Side:                 ev.Side,
		Quantity:             ev.Quantity,
		OrderType:            ev.OrderType,
		TakeProfit:           ev.TakeProfit,
		StopLoss:             ev.StopLoss,
		TrailingStopDistance: ev.TrailingPips,
		Status:               domain.StatusNew,
		RequestPayload:       ev.RequestPayload,
		ResponsePayload:      ev.ResponsePayload,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.repo.Create(ctx, trade); err != nil {
		if errors.Is(err, ports.ErrDuplicateEntry) {
			e.logger.Info(ctx, "Duplicate open event ignored on create", map[string]interface{}{
				"externalOrderID": ev.ExternalOrderID,
			})
			return nil
		}
		return fmt.Errorf("creating trade: %w", err)
	}
	e.logger.Info(ctx, "Trade created", map[string]interface{}{
		"tradeID": trade.TradeID, "externalOrderID": ev.ExternalOrderID,
		"instrument": ev.Instrument, "side": ev.Side, "quantity": ev.Quantity.String(),
	})

	e.exec.Submit(trade.TradeID, func() {
		e.processOpen(context.WithoutCancel(ctx), trade.TradeID, ev)
	})
	return nil
}

func (e *Engine) acceptConfirm(ctx context.Context, ev domain.ExecutionConfirmedEvent) error {
	trade, err := e.repo.GetByExternalOrderID(ctx, ev.ExternalOrderID)
	if err != nil {
		return fmt.Errorf("resolving execution confirmation: %w", err)
	}
	if trade == nil {
		e.logger.Warn(ctx, "Execution confirmation for unknown order dropped", map[string]interface{}{
			"externalOrderID": ev.ExternalOrderID, "positionID": ev.PositionID,
		})
		return nil
	}
	e.mu.Lock()
	e.pending[ev.PositionID] = trade.TradeID
	e.mu.Unlock()
	e.exec.Submit(trade.TradeID, func() {
		e.processConfirm(context.WithoutCancel(ctx), trade.TradeID, ev)
	})
	return nil
}

// pendingTradeID resolves a position ID through confirmations not yet
// visible in the store.
func (e *Engine) pendingTradeID(positionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[positionID]
}

func (e *Engine) clearPending(positionID string) {
	e.mu.Lock()
	delete(e.pending, positionID)
	e.mu.Unlock()
}

func (e *Engine) acceptByPosition(ctx context.Context, positionID string, event domain.Event) error {
	trade, err := e.repo.GetByPositionID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("resolving %s event: %w", event.Kind(), err)
	}
	var tradeID string
	if trade != nil {
		tradeID = trade.TradeID
	} else {
		// The confirmation carrying this position ID may still be queued on
		// the trade's serial queue behind an in-flight open. Resolving
		// through the pending map lands this event behind it in order.
		tradeID = e.pendingTradeID(positionID)
	}
	if tradeID == "" {
		if _, isLevelDelete := event.(domain.LevelDeleteEvent); isLevelDelete {
			// The level delete path segment carries the order ID, not the
			// position ID, on some venue versions.
			byOrder, oerr := e.repo.GetByExternalOrderID(ctx, positionID)
			if oerr != nil {
				return fmt.Errorf("resolving %s event: %w", event.Kind(), oerr)
			}
			if byOrder != nil {
				tradeID = byOrder.TradeID
			}
		}
	}
	if tradeID == "" {
		e.logger.Warn(ctx, "Event for unknown position dropped", map[string]interface{}{
			"kind": event.Kind(), "positionID": positionID,
		})
		return nil
	}
	e.exec.Submit(tradeID, func() {
		bg := context.WithoutCancel(ctx)
		switch ev := event.(type) {
		case domain.CloseEvent:
			e.processClose(bg, tradeID, ev)
		case domain.ModifyEvent:
			e.processModify(bg, tradeID, ev)
		case domain.LevelDeleteEvent:
			e.processLevelDelete(bg, tradeID, ev)
		}
	})
	return nil
}

// processOpen runs NEW -> OPENING -> OPEN|FAILED. The venue's fill volume is
// authoritative for the mirrored quantity.
func (e *Engine) processOpen(ctx context.Context, tradeID string, ev domain.OpenEvent) {
	if err := e.repo.UpdateStatus(ctx, tradeID, domain.StatusOpening, ports.TradeUpdate{}); err != nil {
		e.logger.Error(ctx, err, "Failed to mark trade opening", map[string]interface{}{"tradeID": tradeID})
		return
	}

	symbol := e.mapper.ToVenueSymbol(ev.Instrument)
	start := time.Now()
	var result *ports.OrderResult
	err := retry.WithRetry(ctx, e.retryAttempts, e.retryDelay, func(ctx context.Context) error {
		var opErr error
		result, opErr = e.venue.PlaceMarketOrder(ctx, symbol, ev.Side, ev.Quantity, ev.TakeProfit, ev.StopLoss)
		return opErr
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		e.failTrade(ctx, tradeID, elapsed, fmt.Errorf("open on %s: %w", symbol, err))
		return
	}

	executedAt := time.Now().UTC()
	update := ports.TradeUpdate{
		ExecutionTicket: &result.Ticket,
		ExecutionTimeMs: &elapsed,
		ExecutedAt:      &executedAt,
	}
	if result.Volume.IsPositive() {
		update.Quantity = &result.Volume
	}
	if err := e.repo.UpdateStatus(ctx, tradeID, domain.StatusOpen, update); err != nil {
		e.logger.Error(ctx, err, "Position opened but store update failed", map[string]interface{}{
			"tradeID": tradeID, "ticket": result.Ticket,
		})
	}
	e.positions.Add(result.Ticket, tradeID)
	e.logger.Info(ctx, "Mirrored position opened", map[string]interface{}{
		"tradeID": tradeID, "symbol": symbol, "ticket": result.Ticket,
		"fillPrice": result.FillPrice.String(), "executionTimeMs": elapsed,
	})
}

// processConfirm attaches the signal venue's position ID. The ID is set at
// most once; a conflicting redelivery is logged and ignored.
func (e *Engine) processConfirm(ctx context.Context, tradeID string, ev domain.ExecutionConfirmedEvent) {
	trade, err := e.repo.GetByTradeID(ctx, tradeID)
	if err != nil || trade == nil {
		e.logger.Error(ctx, err, "Failed to load trade for confirmation", map[string]interface{}{"tradeID": tradeID})
		return
	}
	if trade.PositionID != "" {
		if trade.PositionID != ev.PositionID {
			e.logger.Warn(ctx, "Conflicting position ID in confirmation ignored", map[string]interface{}{
				"tradeID": tradeID, "have": trade.PositionID, "got": ev.PositionID,
			})
		}
		e.clearPending(ev.PositionID)
		return
	}
	if err := e.repo.UpdateStatus(ctx, tradeID, trade.Status, ports.TradeUpdate{PositionID: &ev.PositionID}); err != nil {
		// Keep the pending entry: the store does not know this position ID
		// yet, so later events still need the in-memory correlation.
		e.logger.Error(ctx, err, "Failed to store position ID", map[string]interface{}{
			"tradeID": tradeID, "positionID": ev.PositionID,
		})
		return
	}
	e.clearPending(ev.PositionID)
	e.logger.Info(ctx, "Execution confirmed", map[string]interface{}{
		"tradeID": tradeID, "positionID": ev.PositionID, "fillPrice": ev.FillPrice.String(),
	})
}

// processClose runs OPEN -> CLOSING -> CLOSED|FAILED. A partial close that
// leaves volume at the venue returns the trade to OPEN with the venue's
// reported remaining size. "Position not found" is an idempotent success.
func (e *Engine) processClose(ctx context.Context, tradeID string, ev domain.CloseEvent) {
	trade, err := e.repo.GetByTradeID(ctx, tradeID)
	if err != nil || trade == nil {
		e.logger.Error(ctx, err, "Failed to load trade for close", map[string]interface{}{"tradeID": tradeID})
		return
	}
	if trade.IsClosed {
		e.logger.Info(ctx, "Close for already closed trade ignored", map[string]interface{}{
			"tradeID": tradeID, "positionID": ev.PositionID,
		})
		return
	}
	if !trade.HasTicket() {
		// The open never reached the venue; there is nothing to close there.
		e.markClosed(ctx, trade, "closed before execution venue open succeeded")
		return
	}

	if err := e.repo.UpdateStatus(ctx, tradeID, domain.StatusClosing, ports.TradeUpdate{}); err != nil {
		e.logger.Error(ctx, err, "Failed to mark trade closing", map[string]interface{}{"tradeID": tradeID})
		return
	}

	start := time.Now()
	var result *ports.CloseResult
	err = retry.WithRetry(ctx, e.retryAttempts, e.retryDelay, func(ctx context.Context) error {
		var opErr error
		result, opErr = e.venue.ClosePosition(ctx, trade.ExecutionTicket, ev.PartialQuantity)
		return opErr
	})
	elapsed := time.Since(start).Milliseconds()

	switch {
	case err == nil && result != nil && result.RemainingVolume.IsPositive():
		// Partial close: trade stays open with the venue's remaining size.
		update := ports.TradeUpdate{Quantity: &result.RemainingVolume, ExecutionTimeMs: &elapsed}
		if uerr := e.repo.UpdateStatus(ctx, tradeID, domain.StatusOpen, update); uerr != nil {
			e.logger.Error(ctx, uerr, "Partial close succeeded but store update failed", map[string]interface{}{"tradeID": tradeID})
			return
		}
		e.logger.Info(ctx, "Position partially closed", map[string]interface{}{
			"tradeID": tradeID, "ticket": trade.ExecutionTicket,
			"remaining": result.RemainingVolume.String(), "executionTimeMs": elapsed,
		})
	case err == nil:
		e.markClosed(ctx, trade, "")
	case errors.Is(err, ports.ErrPositionNotFound):
		e.logger.Info(ctx, "Position already gone at execution venue, treating close as success", map[string]interface{}{
			"tradeID": tradeID, "ticket": trade.ExecutionTicket,
		})
		e.markClosed(ctx, trade, "")
	default:
		// Trade stays in the position set so the reconciler re-evaluates it.
		e.failTrade(ctx, tradeID, elapsed, fmt.Errorf("close ticket %s: %w", trade.ExecutionTicket, err))
	}
}

// processModify applies new protective levels, preserving the stored value of
// any level the event does not carry. Failures record an error without
// changing phase.
func (e *Engine) processModify(ctx context.Context, tradeID string, ev domain.ModifyEvent) {
	trade, err := e.repo.GetByTradeID(ctx, tradeID)
	if err != nil || trade == nil {
		e.logger.Error(ctx, err, "Failed to load trade for modify", map[string]interface{}{"tradeID": tradeID})
		return
	}
	if ev.UpstreamError != "" {
		// The signal venue itself rejected the change; record it and skip the
		// adapter entirely.
		msg := fmt.Sprintf("modify rejected upstream: %s", ev.UpstreamError)
		if uerr := e.repo.UpdateStatus(ctx, tradeID, trade.Status, ports.TradeUpdate{ErrorMessage: &msg}); uerr != nil {
			e.logger.Error(ctx, uerr, "Failed to record upstream modify rejection", map[string]interface{}{"tradeID": tradeID})
		}
		return
	}
	if !e.requireOpen(ctx, trade, "modify") {
		return
	}

	tp, sl := trade.TakeProfit, trade.StopLoss
	if ev.HasTakeProfit {
		tp = ev.TakeProfit
	}
	if ev.HasStopLoss {
		sl = ev.StopLoss
	}
	e.applyStops(ctx, trade, tp, sl, "modify")
}

// processLevelDelete clears exactly one protective level, leaving the other
// at its stored value.
func (e *Engine) processLevelDelete(ctx context.Context, tradeID string, ev domain.LevelDeleteEvent) {
	trade, err := e.repo.GetByTradeID(ctx, tradeID)
	if err != nil || trade == nil {
		e.logger.Error(ctx, err, "Failed to load trade for level delete", map[string]interface{}{"tradeID": tradeID})
		return
	}
	if !e.requireOpen(ctx, trade, "level delete") {
		return
	}

	tp, sl := trade.TakeProfit, trade.StopLoss
	switch ev.Level {
	case domain.LevelTakeProfit:
		tp = decimal.Zero
	case domain.LevelStopLoss:
		sl = decimal.Zero
	default:
		e.logger.Warn(ctx, "Level delete with unknown level dropped", map[string]interface{}{
			"tradeID": tradeID, "level": ev.Level,
		})
		return
	}
	e.applyStops(ctx, trade, tp, sl, "level delete")
}

// applyStops pushes tp/sl to the venue and persists them on success. On
// failure the trade keeps its phase and gains an error message.
func (e *Engine) applyStops(ctx context.Context, trade *domain.Trade, tp, sl decimal.Decimal, op string) {
	start := time.Now()
	err := retry.WithRetry(ctx, e.retryAttempts, e.retryDelay, func(ctx context.Context) error {
		return e.venue.UpdateStops(ctx, trade.ExecutionTicket, tp, sl)
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		msg := fmt.Sprintf("%s failed: %v", op, err)
		update := ports.TradeUpdate{ErrorMessage: &msg, ExecutionTimeMs: &elapsed}
		if uerr := e.repo.UpdateStatus(ctx, trade.TradeID, trade.Status, update); uerr != nil {
			e.logger.Error(ctx, uerr, "Failed to record stop update failure", map[string]interface{}{"tradeID": trade.TradeID})
		}
		e.logger.Error(ctx, err, "Stop update failed", map[string]interface{}{
			"tradeID": trade.TradeID, "ticket": trade.ExecutionTicket, "op": op,
		})
		return
	}

	update := ports.TradeUpdate{TakeProfit: &tp, StopLoss: &sl, ExecutionTimeMs: &elapsed}
	if uerr := e.repo.UpdateStatus(ctx, trade.TradeID, trade.Status, update); uerr != nil {
		e.logger.Error(ctx, uerr, "Stops updated but store update failed", map[string]interface{}{"tradeID": trade.TradeID})
		return
	}
	e.logger.Info(ctx, "Protective levels updated", map[string]interface{}{
		"tradeID": trade.TradeID, "ticket": trade.ExecutionTicket,
		"takeProfit": tp.String(), "stopLoss": sl.String(), "op": op,
	})
}

// requireOpen rejects modify-family events for trades that are not live.
func (e *Engine) requireOpen(ctx context.Context, trade *domain.Trade, op string) bool {
	if trade.IsClosed {
		e.logger.Warn(ctx, "Ignoring "+op+" for closed trade", map[string]interface{}{"tradeID": trade.TradeID})
		return false
	}
	if trade.Status != domain.StatusOpen {
		e.logger.Warn(ctx, "Ignoring "+op+" for trade not open", map[string]interface{}{
			"tradeID": trade.TradeID, "status": trade.Status,
		})
		return false
	}
	if !trade.HasTicket() {
		e.logger.Warn(ctx, "Ignoring "+op+" for trade without ticket", map[string]interface{}{"tradeID": trade.TradeID})
		return false
	}
	return true
}

// markClosed performs the terminal close transition and releases the ticket
// from the position set.
func (e *Engine) markClosed(ctx context.Context, trade *domain.Trade, note string) {
	closedAt := time.Now().UTC()
	closed := true
	update := ports.TradeUpdate{IsClosed: &closed, ClosedAt: &closedAt}
	if note != "" {
		update.ErrorMessage = &note
	}
	if err := e.repo.UpdateStatus(ctx, trade.TradeID, domain.StatusClosed, update); err != nil {
		e.logger.Error(ctx, err, "Failed to mark trade closed", map[string]interface{}{"tradeID": trade.TradeID})
		return
	}
	if trade.HasTicket() {
		e.positions.Remove(trade.ExecutionTicket)
	}
	if trade.PositionID != "" {
		e.clearPending(trade.PositionID)
	}
	e.logger.Info(ctx, "Trade closed", map[string]interface{}{
		"tradeID": trade.TradeID, "ticket": trade.ExecutionTicket,
	})
}

// failTrade records a FAILED operation outcome with a human-readable reason.
func (e *Engine) failTrade(ctx context.Context, tradeID string, elapsedMs int64, cause error) {
	msg := cause.Error()
	update := ports.TradeUpdate{ErrorMessage: &msg, ExecutionTimeMs: &elapsedMs}
	if err := e.repo.UpdateStatus(ctx, tradeID, domain.StatusFailed, update); err != nil {
		e.logger.Error(ctx, err, "Failed to record trade failure", map[string]interface{}{"tradeID": tradeID})
	}
	e.logger.Error(ctx, cause, "Trade operation failed", map[string]interface{}{"tradeID": tradeID})
}

// Package app wires the mirroring service together and owns its lifecycle:
// seed, serve, and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trademirror/internal/adapters/intake"
	"trademirror/internal/engine"
	"trademirror/internal/ports"
	"trademirror/internal/reconciler"
	"trademirror/internal/trailing"
)

// shutdownGrace bounds how long shutdown waits for in-flight work.
const shutdownGrace = 15 * time.Second

// MirrorService owns the running components: the intake listener, the event
// bus, the engine and the two periodic loops.
type MirrorService struct {
	logger    ports.Logger
	venue     ports.ExecutionVenue
	bus       ports.EventBus
	eng       *engine.Engine
	recon     *reconciler.Reconciler
	monitor   *trailing.Monitor
	intakeSrv *intake.Server
}

// NewMirrorService assembles the service from its constructed components.
func NewMirrorService(
	logger ports.Logger,
	venue ports.ExecutionVenue,
	bus ports.EventBus,
	eng *engine.Engine,
	recon *reconciler.Reconciler,
	monitor *trailing.Monitor,
	intakeSrv *intake.Server,
) (*MirrorService, error) {
	if logger == nil || venue == nil || bus == nil || eng == nil || recon == nil || monitor == nil || intakeSrv == nil {
		return nil, fmt.Errorf("all components are required for mirror service")
	}
	return &MirrorService{
		logger:    logger,
		venue:     venue,
		bus:       bus,
		eng:       eng,
		recon:     recon,
		monitor:   monitor,
		intakeSrv: intakeSrv,
	}, nil
}

// Start runs the service until ctx is cancelled or a termination signal
// arrives. Shutdown order: stop intake, close the bus and drain in-flight
// trade work, stop the periodic loops, then return so the caller can release
// venue connections. No trade operation is abandoned mid-transition; whatever
// was durably recorded is picked up by the next run's seed pass.
func (s *MirrorService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(runCtx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-runCtx.Done():
		}
	}()

	// Venue session first: nothing downstream works without it.
	if err := s.venue.Initialize(runCtx); err != nil {
		return fmt.Errorf("initializing execution venue: %w", err)
	}
	s.logger.Info(runCtx, "Execution venue session established")

	// Seed the open position set before any tick or event runs, so trades
	// opened by a previous run are reconciled.
	if err := s.recon.Seed(runCtx); err != nil {
		return fmt.Errorf("seeding open positions: %w", err)
	}

	s.bus.Subscribe(s.eng.HandleEvent)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.recon.Run(runCtx)
	}()
	go func() {
		defer loops.Done()
		s.monitor.Run(runCtx)
	}()

	intakeErr, err := s.intakeSrv.Start(runCtx)
	if err != nil {
		cancel()
		loops.Wait()
		return err
	}
	s.logger.Info(runCtx, "Mirror service started")

	select {
	case <-runCtx.Done():
	case serveErr, ok := <-intakeErr:
		if ok && serveErr != nil {
			s.logger.Error(runCtx, serveErr, "Intake listener failed")
		}
		cancel()
	}

	s.logger.Info(context.Background(), "Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	// 1. Stop accepting new pairs.
	if err := s.intakeSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, err, "Intake shutdown failed")
	}
	// 2. Drain the bus, then let in-flight trade operations finish.
	s.bus.Close()
	s.eng.Wait()
	// 3. Stop the periodic loops.
	loops.Wait()

	s.logger.Info(context.Background(), "Mirror service stopped")
	return nil
}

package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"trademirror/config"
	"trademirror/internal/adapters/binanceterm"
	"trademirror/internal/adapters/intake"
	"trademirror/internal/adapters/logger"
	"trademirror/internal/adapters/signalvenue"
	"trademirror/internal/adapters/sqlite"
	"trademirror/internal/app"
	"trademirror/internal/bus"
	"trademirror/internal/engine"
	"trademirror/internal/normalizer"
	"trademirror/internal/reconciler"
	"trademirror/internal/symbols"
	"trademirror/internal/trailing"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Execution Venue Client (Binance Terminal Adapter)
	venue, err := binanceterm.New(binanceterm.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize execution venue client")
		log.Fatalf("FATAL: Failed to initialize execution venue client: %v", err)
	}
	appLogger.Info(context.Background(), "Execution venue client initialized")

	// 5. Initialize Symbol Mapper and Pip Table
	mapper, err := symbols.NewMapper(symbols.MapperConfig{
		DefaultSuffix: cfg.SymbolSuffix,
		OverridesPath: cfg.SymbolOverrides,
		Logger:        appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize symbol mapper")
		log.Fatalf("FATAL: Failed to initialize symbol mapper: %v", err)
	}
	pips, err := symbols.NewPipTable(symbols.PipTableConfig{
		Path:   cfg.PipTablePath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize pip table")
		log.Fatalf("FATAL: Failed to initialize pip table: %v", err)
	}

	// 6. Initialize Event Bus and Normalizer
	eventBus, err := bus.New(bus.Config{
		BufferSize:      cfg.BusBufferSize,
		MaxRedeliveries: cfg.BusMaxRedeliveries,
		Logger:          appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize event bus")
		log.Fatalf("FATAL: Failed to initialize event bus: %v", err)
	}
	norm, err := normalizer.New(appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize normalizer")
		log.Fatalf("FATAL: Failed to initialize normalizer: %v", err)
	}

	// 7. Initialize Intake Listener (also the signal venue token source)
	intakeSrv, err := intake.New(intake.Config{
		Addr:       cfg.ListenAddr,
		Normalizer: norm,
		Bus:        eventBus,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize intake listener")
		log.Fatalf("FATAL: Failed to initialize intake listener: %v", err)
	}

	// 8. Initialize Signal Venue Client
	signalClient, err := signalvenue.New(signalvenue.Config{
		BrokerURL: cfg.SignalBrokerURL,
		AccountID: cfg.SignalAccountID,
		Tokens:    intakeSrv,
		Logger:    appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal venue client")
		log.Fatalf("FATAL: Failed to initialize signal venue client: %v", err)
	}

	// 9. Initialize Engine and Periodic Loops
	positions := engine.NewPositionSet()
	eng, err := engine.New(engine.Config{
		Repo:          repo,
		Venue:         venue,
		Mapper:        mapper,
		Positions:     positions,
		Logger:        appLogger,
		Workers:       cfg.Workers,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize execution engine")
		log.Fatalf("FATAL: Failed to initialize execution engine: %v", err)
	}
	recon, err := reconciler.New(reconciler.Config{
		Venue:         venue,
		Signal:        signalClient,
		Repo:          repo,
		Positions:     positions,
		Logger:        appLogger,
		Interval:      cfg.ReconcileInterval,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize reconciler")
		log.Fatalf("FATAL: Failed to initialize reconciler: %v", err)
	}
	monitor, err := trailing.New(trailing.Config{
		Venue:         venue,
		Repo:          repo,
		Pips:          pips,
		Logger:        appLogger,
		Interval:      cfg.TrailingInterval,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trailing stop monitor")
		log.Fatalf("FATAL: Failed to initialize trailing stop monitor: %v", err)
	}

	// 10. Assemble and Run
	service, err := app.NewMirrorService(appLogger, venue, eventBus, eng, recon, monitor, intakeSrv)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize mirror service")
		log.Fatalf("FATAL: Failed to initialize mirror service: %v", err)
	}

	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Mirror service exited with error")
		log.Fatalf("FATAL: Mirror service exited with error: %v", err)
	}
	appLogger.Info(context.Background(), "Shutdown complete")
}

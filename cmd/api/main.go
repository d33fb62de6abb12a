package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/filmforge/backend/internal/auth"
	"github.com/filmforge/backend/internal/batch"
	"github.com/filmforge/backend/internal/config"
	"github.com/filmforge/backend/internal/execution"
	"github.com/filmforge/backend/internal/generation"
	"github.com/filmforge/backend/internal/handlers"
	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/metering"
	"github.com/filmforge/backend/internal/regen"
	"github.com/filmforge/backend/internal/registry"
	"github.com/filmforge/backend/internal/router"
	"github.com/filmforge/backend/internal/storage"
	"github.com/filmforge/backend/internal/validation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Media artifact store
	store, err := storage.NewFileStore(cfg.MediaDir)
	if err != nil {
		slog.Error("Failed to create media store", "dir", cfg.MediaDir, "error", err)
		os.Exit(1)
	}

	// Ledger + metering
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)
	meter := metering.NewExecutor(ledgerSvc, logger)

	// Auth (also the resolver's credential store)
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)

	// Provider registry + resolver
	reg := registry.New()
	registerProviders(reg, cfg, store)
	resolver := registry.NewResolver(reg, authRepo)

	// Batch orchestration: insert funcs are set after the River client is
	// created (breaks the init cycle).
	var insertMu sync.Mutex
	var insertItemFn batch.InsertGenerateItemTxFunc
	var insertNotifyFn batch.InsertNotifyTxFunc
	insertItem := func(ctx context.Context, tx pgx.Tx, args execution.GenerateItemArgs) error {
		insertMu.Lock()
		fn := insertItemFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	insertNotify := func(ctx context.Context, tx pgx.Tx, args execution.NotifyArgs) error {
		insertMu.Lock()
		fn := insertNotifyFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	batchRepo := batch.NewRepository(pool)
	batchSvc := batch.NewService(batchRepo, resolver, meter, insertItem, insertNotify, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateItemWorker(batchSvc))
	river.AddWorker(workers, execution.NewNotifyWorker())

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertItemFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateItemArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertNotifyFn = func(ctx context.Context, tx pgx.Tx, args execution.NotifyArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Regeneration requests
	regenRepo := regen.NewRepository(pool)
	regenSvc := regen.NewService(regenRepo, ledgerSvc, reg, logger)

	// Request schema validation
	validator, err := validation.NewValidator(ctx, cfg.SchemaDir)
	if err != nil {
		slog.Error("Schema validator init failed", "dir", cfg.SchemaDir, "error", err)
		os.Exit(1)
	}

	genRepo := generation.NewRepository(pool)

	apiHandler := router.New(router.Deps{
		Auth:  auth.NewHandler(authSvc, logger),
		Authn: authSvc,
		Generate: &handlers.GenerateHandler{
			Resolver:  resolver,
			Meter:     meter,
			Jobs:      genRepo,
			Validator: validator,
			Logger:    logger,
		},
		Batch: &handlers.BatchHandler{
			Batches:   batchSvc,
			Validator: validator,
			Logger:    logger,
		},
		Regen:         &handlers.RegenHandler{Regen: regenSvc, Logger: logger},
		Credits:       &handlers.CreditsHandler{Ledger: ledgerSvc, Logger: logger},
		Registry:      reg,
		MaxBatchItems: cfg.MaxBatchItems,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiHandler)

	// Start River client (processes batch items and webhook deliveries)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

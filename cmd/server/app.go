package main

import (
	"context"
	"fmt"
	"time"

	"alcyxob/runplan/internal/config"
	"alcyxob/runplan/internal/llm"
	"alcyxob/runplan/internal/logging"
	"alcyxob/runplan/internal/queue"
	"alcyxob/runplan/internal/repository"
	"alcyxob/runplan/internal/repository/memory"
	"alcyxob/runplan/internal/repository/mongo"
	"alcyxob/runplan/internal/repository/sqlite"
	"alcyxob/runplan/internal/service"
	"alcyxob/runplan/internal/storage"

	"go.uber.org/zap"
)

// app holds the stores shared by every command. Close releases them in
// reverse order of acquisition.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	intakes repository.IntakeRepository
	chunks  repository.ChunkRepository
	archive storage.RawOutputArchive // nil when raw output is kept inline

	closers []func()
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	// --- Configuration ---
	cfg, err := configFor(flags)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	logger.Info("Configuration loaded",
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("queue", cfg.Worker.Queue),
		zap.Bool("s3_enabled", cfg.S3.Enabled))

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openArchive(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// --- Database Connection ---
func (a *app) openStores(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	switch cfg.Database.Driver {
	case config.DriverMongo:
		client, err := mongo.ConnectDB(cfg.Database.URI)
		if err != nil {
			return fmt.Errorf("connect to MongoDB: %w", err)
		}
		a.closers = append(a.closers, func() {
			logger.Info("Disconnecting MongoDB...")
			if err := mongo.DisconnectDB(client); err != nil {
				logger.Error("Failed to disconnect MongoDB", zap.Error(err))
			}
		})
		db := client.Database(cfg.Database.Name)

		// The range lock index must exist before the first chunk insert.
		idxCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := mongo.EnsureIndexes(idxCtx, db); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		a.intakes = mongo.NewMongoIntakeRepository(db)
		a.chunks = mongo.NewMongoChunkRepository(db)

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open sqlite database: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := db.Close(); err != nil {
				logger.Error("Failed to close sqlite database", zap.Error(err))
			}
		})
		a.intakes = sqlite.NewIntakeRepository(db)
		a.chunks = sqlite.NewChunkRepository(db)

	case config.DriverMemory:
		logger.Warn("Using the in-process store, data is lost on exit")
		store := memory.NewStore()
		a.intakes = store.Intakes()
		a.chunks = store.Chunks()
	}
	logger.Info("Database connection established", zap.String("driver", cfg.Database.Driver))
	return nil
}

// --- Initialize Storage ---
func (a *app) openArchive(ctx context.Context) error {
	switch {
	case a.cfg.S3.Enabled:
		archive, err := storage.NewS3Storage(ctx, a.cfg.S3, a.logger)
		if err != nil {
			return fmt.Errorf("initialize S3 storage: %w", err)
		}
		a.archive = archive
	case a.cfg.Database.Driver == config.DriverMemory:
		a.archive = storage.NewMemoryArchive()
	default:
		a.logger.Info("Raw output archive disabled, unparseable replies are stored inline")
	}
	return nil
}

func (a *app) openQueue() (queue.Queue, error) {
	switch a.cfg.Worker.Queue {
	case config.QueueNATS:
		open := queue.NewNATSQueue
		if !a.cfg.Worker.Enabled {
			open = queue.NewNATSPublisher
		}
		q, err := open(a.cfg.Worker.NATSURL, a.cfg.Worker.NATSSubject, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = q.Close() })
		return q, nil
	default:
		q := queue.NewMemoryQueue()
		a.closers = append(a.closers, func() { _ = q.Close() })
		return q, nil
	}
}

func (a *app) orchestrator(adapter *llm.Adapter) *service.Orchestrator {
	return service.NewOrchestrator(a.chunks, a.intakes, adapter, a.archive, service.OrchestratorConfig{
		ModelTimeout:       adapter.Timeout(),
		ChainLimit:         a.cfg.Worker.ChainLimit,
		PurgeStaleSiblings: a.cfg.Worker.PurgeStaleSiblings,
	}, a.logger)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

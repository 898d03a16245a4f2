package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/clock/system"
	"github.com/finleyh/bass-hunter/internal/config"
	"github.com/finleyh/bass-hunter/internal/logging"
	"github.com/finleyh/bass-hunter/internal/queue"
	"github.com/finleyh/bass-hunter/internal/storage/memory"
	"github.com/finleyh/bass-hunter/internal/storage/postgres"
	"github.com/finleyh/bass-hunter/internal/storage/sqlite"
	"github.com/finleyh/bass-hunter/internal/store"
)

// App defines the services commands use. Tests inject their own.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Repository() store.Repository
	Queue() *queue.Store
	Close()
}

type services struct {
	cfg    config.Config
	logger *zap.Logger
	repo   store.Repository
	queue  *queue.Store
}

func (s *services) Config() config.Config        { return s.cfg }
func (s *services) Logger() *zap.Logger          { return s.logger }
func (s *services) Repository() store.Repository { return s.repo }
func (s *services) Queue() *queue.Store          { return s.queue }

func (s *services) Close() {
	if err := s.queue.Close(); err != nil {
		s.logger.Warn("close task store", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// schemaEnsurer is implemented by backends whose schema is created on demand.
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// buildApp loads configuration and opens the configured task store.
func buildApp(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development,
		logging.WithLevel(logging.ParseLevel(cfg.Logging.Level)),
		logging.WithService("bass-hunter"),
	)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	repo, err := openRepository(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if ensurer, ok := repo.(schemaEnsurer); ok && cfg.DB.EnsureSchema {
		if err := ensurer.EnsureSchema(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("ensure schema: %w", err), repo.Close())
		}
	}
	q, err := queue.New(repo, system.New(), logger)
	if err != nil {
		return nil, errors.Join(err, repo.Close())
	}
	logger.Info("task store opened", zap.String("backend", cfg.DB.Backend))
	return &services{cfg: cfg, logger: logger, repo: repo, queue: q}, nil
}

func openRepository(ctx context.Context, cfg config.DBConfig) (store.Repository, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		repo, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: time.Duration(cfg.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return repo, nil
	case config.BackendSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return repo, nil
	case config.BackendMemory:
		return memory.NewRepository(), nil
	default:
		return nil, fmt.Errorf("db.backend %q is not supported", cfg.Backend)
	}
}

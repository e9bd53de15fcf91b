package cmd

import (
	"context"
	"fmt"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/aethyr/world/eventstore"
	"example.com/aethyr/world/handlers"
	"example.com/aethyr/world/metrics"
	"example.com/aethyr/world/models"
	"example.com/aethyr/world/projections"
	"example.com/aethyr/world/service"
	"example.com/aethyr/world/tracing"
)

// app holds everything a subcommand needs
type app struct {
	db      *gorm.DB
	store   *eventstore.EventStore
	world   *service.World
	tracer  tracing.Tracer
	metrics *metrics.Metrics
}

func openDatabase() (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres", "":
		dialector = postgres.Open(cfg.Database.Source)
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.Source)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}

	if err := db.AutoMigrate(models.ReadModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// openApp connects the database, the event store backend and, when
// enabled, Elasticsearch, and builds the world service on top.
func openApp(ctx context.Context) (*app, error) {
	db, err := openDatabase()
	if err != nil {
		return nil, err
	}

	backend, err := eventstore.OpenBackend(ctx, cfg, db)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	m := metrics.NewMetrics()
	store := eventstore.New(backend, eventstore.Options{
		RetryCount: cfg.EventStore.RetryCount,
		RetryDelay: cfg.EventStore.RetryDelay,
		Metrics:    m,
	})

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.NewRelicTracer{}
	}

	var extra []projections.Projector
	if cfg.Elastic.Enabled {
		client, err := openSearch(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch, continuing without search index")
		} else {
			extra = append(extra, projections.NewSearchProjector(client, db, cfg.Elastic))
		}
	}

	world := service.NewWorld(store, db, service.Options{
		SnapshotFrequency: cfg.EventStore.SnapshotFrequency,
		Dispatcher: handlers.DispatcherOptions{
			CommandRetries: cfg.Handlers.CommandRetries,
			LockTimeout:    cfg.Handlers.LockTimeout,
		},
		Metrics: m,
		Extra:   extra,
	})

	return &app{db: db, store: store, world: world, tracer: tracer, metrics: m}, nil
}

func openSearch(ctx context.Context) (*elasticsearch.Client, error) {
	client, err := projections.NewElasticsearchClient(cfg.Elastic)
	if err != nil {
		return nil, err
	}
	if err := projections.EnsureIndices(ctx, client, cfg.Elastic); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) Close() {
	a.tracer.Close()
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event store")
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/cache"
	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/database"
	"github.com/onetool-io/mailingest/internal/email/inbound/connector"
	"github.com/onetool-io/mailingest/internal/email/inbound/postmaster"
	"github.com/onetool-io/mailingest/internal/logging"
	"github.com/onetool-io/mailingest/internal/repository"
	"github.com/onetool-io/mailingest/internal/runner"
	"github.com/onetool-io/mailingest/internal/runner/tasks"
	"github.com/onetool-io/mailingest/internal/storage"
	"github.com/onetool-io/mailingest/internal/utils"
)

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *sqlx.DB
	blobs    storage.Backend
	redis    *redis.Client
	guard    cache.Guard
	registry *prometheus.Registry
	ingestor *postmaster.Ingestor
	tasks    *runner.TaskRegistry
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.Log, registry: prometheus.NewRegistry()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = db.Close() })

	if cfg.Database.Migrations.AutoMigrate {
		applied, err := database.Migrate(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		if applied > 0 {
			a.logger.WithField("migrations", applied).Info("database migrated")
		}
	}

	blobs, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create attachment storage: %w", err)
	}
	a.blobs = blobs

	source, err := connector.NewClient(cfg.Provider,
		connector.WithMaxAttachmentSize(cfg.Ingest.MaxAttachmentSize),
		connector.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}

	guardMetrics := cache.NewGuardMetrics(a.registry)
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.guard = cache.NewRedisGuard(client, cache.DefaultKeyPrefix, guardMetrics)
	} else {
		local := cache.NewLocalGuard(time.Minute, guardMetrics)
		a.closers = append(a.closers, local.Stop)
		a.guard = local
	}

	opts := []postmaster.Option{
		postmaster.WithLogger(a.logger),
		postmaster.WithMetrics(postmaster.NewMetrics(a.registry)),
		postmaster.WithGuard(a.guard, cfg.Ingest.DedupeTTL),
		postmaster.WithWorkers(cfg.Ingest.AttachmentWorkers),
		postmaster.WithRetryDelay(cfg.Runner.AttachmentRetry.BaseDelay),
	}
	if cfg.Ingest.SanitizeHTML {
		opts = append(opts, postmaster.WithSanitizer(utils.NewHTMLSanitizer()))
	}
	a.ingestor = postmaster.NewIngestor(source, blobs, postmaster.NewStores(db), opts...)

	a.tasks = runner.NewTaskRegistry()
	return a.tasks.Register(tasks.NewAttachmentRetryTask(
		repository.NewAttachmentFailureRepository(db),
		repository.NewMessageRepository(db),
		a.ingestor,
		cfg.Runner.AttachmentRetry,
		a.logger,
	))
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

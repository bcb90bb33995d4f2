package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onetool-io/mailingest/internal/api"
	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/mailqueue"
	"github.com/onetool-io/mailingest/internal/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, queue workers and scheduled tasks",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger

	var verifier *api.SignatureVerifier
	if cfg.Provider.WebhookSecret != "" {
		verifier, err = api.NewSignatureVerifier(cfg.Provider.WebhookSecret, api.DefaultSignatureTolerance)
		if err != nil {
			return err
		}
	} else {
		log.Warn("provider.webhook_secret is empty, webhook signatures are not verified")
	}

	g, gctx := errgroup.WithContext(ctx)

	var queue mailqueue.Queue
	if cfg.Ingest.QueueMode() {
		q := mailqueue.NewRedisQueue(a.redis, cfg.Ingest.Queue.Name)
		queue = q
		pool := mailqueue.NewPool(q, a.ingestor, cfg.Ingest.Queue.Workers,
			mailqueue.WithPoolLogger(log),
			mailqueue.WithBlock(cfg.Ingest.Queue.Block),
		)
		g.Go(func() error { return pool.Run(gctx) })
	}

	if cfg.Runner.Enabled {
		r := runner.NewRunner(a.tasks, log)
		g.Go(func() error { return r.Run(gctx) })
	}

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	routerCfg := api.RouterConfig{
		Inbound: api.NewInboundHandler(a.ingestor, queue, verifier, log),
		DB:      a.db,
		Storage: a.blobs,
		Version: cfg.App.Version,
		Logger:  log,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Gatherer = a.registry
		routerCfg.MetricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(routerCfg)
	router.SetupRoutes()

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":    srv.Addr,
			"mode":    cfg.Ingest.Mode,
			"version": cfg.App.Version,
		}).Info("mailingest listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		log.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/middleware"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type pingChecker struct{ db middleware.Pinger }

func (p pingChecker) HealthCheck(ctx context.Context) error { return p.db.PingContext(ctx) }

// RouterConfig carries what the HTTP surface is built from.
type RouterConfig struct {
	Inbound     *InboundHandler
	DB          middleware.Pinger
	Storage     HealthChecker
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Version     string
	Logger      logrus.FieldLogger
}

type Router struct {
	engine *gin.Engine
	cfg    RouterConfig
	checks map[string]HealthChecker
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	engine := gin.New()
	engine.Use(middleware.RequestID(), middleware.Logger(cfg.Logger), middleware.Recovery(cfg.Logger))

	checks := map[string]HealthChecker{}
	if cfg.DB != nil {
		checks["database"] = pingChecker{db: cfg.DB}
	}
	if cfg.Storage != nil {
		checks["storage"] = cfg.Storage
	}
	return &Router{engine: engine, cfg: cfg, checks: checks}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	if r.cfg.Gatherer != nil {
		path := r.cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, gin.WrapH(promhttp.HandlerFor(r.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.engine.Group("/api/v1")
	{
		hooks := v1.Group("/webhooks")
		hooks.Use(middleware.DatabaseHealthCheck(r.cfg.DB))
		hooks.POST("/inbound-email", r.cfg.Inbound.HandleInboundEmail)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

func (r *Router) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{}
	for name, check := range r.checks {
		if err := check.HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"service":    "mailingest",
		"version":    r.cfg.Version,
		"components": components,
	})
}

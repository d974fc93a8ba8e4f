// Package api serves the management REST API and the HTTP event ingress.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

// Store is the persistence the API manages. *store.Store satisfies it.
type Store interface {
	ListRules(ctx context.Context) ([]*rule.Rule, error)
	GetRule(ctx context.Context, id string) (*rule.Rule, error)
	CreateRule(ctx context.Context, r *rule.Rule) error
	UpdateRule(ctx context.Context, id string, fn func(r *rule.Rule) error) (*rule.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	ListWebhooks(ctx context.Context) ([]*webhook.Subscription, error)
	GetWebhook(ctx context.Context, id string) (*webhook.Subscription, error)
	CreateWebhook(ctx context.Context, s *webhook.Subscription) error
	UpdateWebhook(ctx context.Context, id string, fn func(s *webhook.Subscription) error) (*webhook.Subscription, error)
	DeleteWebhook(ctx context.Context, id string) error

	ListProviders(ctx context.Context) ([]*provider.Provider, error)
	GetProvider(ctx context.Context, id string) (*provider.Provider, error)
	CreateProvider(ctx context.Context, p *provider.Provider) error
	UpdateProvider(ctx context.Context, id string, fn func(p *provider.Provider) error) (*provider.Provider, error)
	DeleteProvider(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

// WebhookService is the webhook cache the API keeps in sync.
type WebhookService interface {
	Reload(ctx context.Context) error
	Test(ctx context.Context, id string, payload interface{}) error
}

// ProviderManager is the email failover manager the API keeps in sync.
type ProviderManager interface {
	ClearCache(id string)
	TestProvider(ctx context.Context, id string) error
	ResetStats(ctx context.Context, id string) (*provider.Provider, error)
	Statistics(ctx context.Context) (*provider.Statistics, error)
}

// Bus accepts events from the HTTP ingress.
type Bus interface {
	Publish(ev *event.Event) bool
	QueueUtilization() float64
}

// Deps are the collaborators of the Handler.
type Deps struct {
	Store     Store
	Engine    *rule.Engine
	Actions   rule.ActionValidator
	Webhooks  WebhookService
	Providers ProviderManager
	Bus       Bus
	Logger    *slog.Logger
	Now       func() time.Time
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	logger *slog.Logger
}

// New creates the HTTP handler and registers all routes.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &Handler{Deps: deps, logger: deps.Logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/events", h.ingestEvent)

		rules := v1.Group("/rules")
		rules.GET("", h.listRules)
		rules.POST("", h.createRule)
		rules.GET("/:id", h.getRule)
		rules.PUT("/:id", h.updateRule)
		rules.DELETE("/:id", h.deleteRule)
		rules.POST("/:id/toggle", h.toggleRule)
		rules.POST("/:id/test", h.testRule)
		rules.POST("/:id/reset-stats", h.resetRuleStats)

		hooks := v1.Group("/webhooks")
		hooks.GET("", h.listWebhooks)
		hooks.POST("", h.createWebhook)
		hooks.GET("/:id", h.getWebhook)
		hooks.PUT("/:id", h.updateWebhook)
		hooks.DELETE("/:id", h.deleteWebhook)
		hooks.POST("/:id/toggle", h.toggleWebhook)
		hooks.POST("/:id/test", h.testWebhook)

		providers := v1.Group("/providers")
		providers.GET("", h.listProviders)
		providers.POST("", h.createProvider)
		providers.GET("/stats", h.providerStats)
		providers.GET("/:id", h.getProvider)
		providers.PUT("/:id", h.updateProvider)
		providers.DELETE("/:id", h.deleteProvider)
		providers.POST("/:id/toggle", h.toggleProvider)
		providers.POST("/:id/test", h.testProvider)
		providers.POST("/:id/reset-stats", h.resetProviderStats)
	}

	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// GET /healthz: 200 while the database answers.
func (h *Handler) healthz(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /readyz: 503 if the bus queue is more than 80% full.
func (h *Handler) readyz(c *gin.Context) {
	util := h.Bus.QueueUtilization()
	if util > 0.8 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "overloaded", "queue_utilization": util})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "queue_utilization": util})
}

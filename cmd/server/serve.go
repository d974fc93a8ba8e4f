package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/api"
	"github.com/gyaneshwarpardhi/ticketflow/internal/config"
	"github.com/gyaneshwarpardhi/ticketflow/internal/email"
	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
	"github.com/gyaneshwarpardhi/ticketflow/internal/ingest"
	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/store"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

const (
	throttlePruneInterval = 10 * time.Minute
	throttleMaxAge        = 24 * time.Hour
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the automation engine and the management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func runServe(parent context.Context, opts *rootOptions, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(opts.configPath, slog.Default())
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	if addr == "" {
		addr = cfg.Server.Addr
	}

	// ── Storage and seed ─────────────────────────────────────────────────────
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	seeded, err := st.ApplySeed(ctx, cfg.Seed.Rules, cfg.Seed.Webhooks, cfg.Seed.Providers)
	if err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	logger.Info("seed applied", "created", seeded.Created, "updated", seeded.Updated)

	// ── Bus, email and rules ─────────────────────────────────────────────────
	// The bus outlives the signal context so queued deliveries can drain.
	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	bus := event.NewBus(busCtx, event.BusConf{Workers: cfg.Bus.Workers, QueueDepth: cfg.Bus.QueueDepth}, logger)

	providers := provider.NewManager(st, logger)
	renderer, err := email.NewRenderer(cfg.Email.Templates)
	if err != nil {
		return err
	}
	mailer := email.NewMailer(providers, renderer, logger)

	exec := action.NewExecutor(action.Deps{
		Tickets:  st,
		Mailer:   mailer,
		Notifier: action.BusNotifier{Bus: bus},
	}, logger)
	engine := rule.NewEngine(st, exec, logger, rule.WithBaseURL(cfg.Email.BaseURL))
	listener := rule.Listen(bus, engine, logger)

	hooks := webhook.NewService(st, bus, cfg.Webhooks.Delivery(), logger)
	if err := hooks.Init(ctx); err != nil {
		return err
	}
	logger.Info("webhook listeners registered", "events", hooks.Listeners())

	var bridge *ingest.Bridge
	if cfg.NATS.Enabled {
		bridge = ingest.NewBridge(ingest.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			QueueGroup:    cfg.NATS.QueueGroup,
		}, bus, logger)
		if err := bridge.Start(); err != nil {
			return err
		}
	}

	go pruneThrottles(ctx, engine.Throttler(), logger)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(next *config.Config) {
		if err := config.Validate(next); err != nil {
			logger.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		if err := renderer.Replace(next.Email.Templates); err != nil {
			logger.Warn("hot-reload: templates not replaced", "err", err)
		}
		res, err := st.ApplySeed(ctx, next.Seed.Rules, next.Seed.Webhooks, next.Seed.Providers)
		if err != nil {
			logger.Error("hot-reload: apply seed", "err", err)
			return
		}
		providers.ClearCache("")
		if err := hooks.Reload(ctx); err != nil {
			logger.Error("hot-reload: reload webhooks", "err", err)
		}
		logger.Info("config hot-reloaded", "created", res.Created, "updated", res.Updated)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.New(api.Deps{
			Store:     st,
			Engine:    engine,
			Actions:   exec,
			Webhooks:  hooks,
			Providers: providers,
			Bus:       bus,
			Logger:    logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down…")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if bridge != nil {
		bridge.Close()
	}
	// The bus drains first so queued events still reach rule passes and webhook
	// dispatch. Listener.Close then cancels pending delays, and hooks.Close waits
	// for deliveries that were started before the drain finished.
	bus.Close()
	listener.Close()
	hooks.Close()
	logger.Info("goodbye")
	return nil
}

// pruneThrottles drops scope throttle entries that have been idle for a day.
func pruneThrottles(ctx context.Context, t *rule.Throttler, logger *slog.Logger) {
	ticker := time.NewTicker(throttlePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := t.Prune(now, throttleMaxAge); n > 0 {
				logger.Debug("pruned throttle entries", "removed", n, "remaining", t.Len())
			}
		}
	}
}

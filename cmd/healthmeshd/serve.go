package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/hupe1980/healthmesh"
	"github.com/hupe1980/healthmesh/api"
	"github.com/hupe1980/healthmesh/config"
	"github.com/hupe1980/healthmesh/core"
	kvsqlite "github.com/hupe1980/healthmesh/kv/sqlite"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/model"
	anthropicgen "github.com/hupe1980/healthmesh/model/anthropic"
	openaigen "github.com/hupe1980/healthmesh/model/openai"
	"github.com/hupe1980/healthmesh/notify"
	"github.com/hupe1980/healthmesh/notify/ws"
	"github.com/hupe1980/healthmesh/session"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(func(o *config.LoadOptions) {
				if *cfgFile != "" {
					o.File = *cfgFile
				}
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.NewSlogLogger(level, cfg.Logging.Format, false)

	logger.Info("starting healthmeshd", "version", version, "addr", cfg.Server.Addr)

	store, closeStore, err := buildStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	table, err := cfg.Escalation.DecisionTable()
	if err != nil {
		return err
	}

	hub := ws.NewHub(func(o *ws.HubOptions) {
		o.OriginPatterns = cfg.Server.AllowedOrigins
		o.Logger = logger
	})
	defer hub.Close()

	dispatcher, err := buildDispatcher(cfg.Notify, hub, logger)
	if err != nil {
		return err
	}

	gen := buildGenerator(cfg.Model)
	if gen != nil {
		logger.Info("model generator configured", "provider", cfg.Model.Provider)
	}

	mesh := healthmesh.New(func(o *healthmesh.Options) {
		o.SessionStore = store
		o.Generator = gen
		o.Dispatcher = dispatcher
		o.DecisionTable = table
		o.PipelineDeadline = cfg.Pipeline.Deadline
		o.StageDeadlines = cfg.Pipeline.StageDeadlines
		o.LoopInterval = cfg.Pipeline.LoopInterval
		o.CompactThreshold = cfg.Memory.CompactThreshold
		o.RetentionWindow = cfg.Memory.RetentionWindow
		o.ContextBudget = cfg.Memory.ContextBudget
		o.Logger = logger
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	api.NewHandler(mesh.Coordinator(), func(o *api.HandlerOptions) {
		o.Hub = hub
		o.Logger = logger
	}).RegisterRoutes(r)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// The outcome stream holds connections open; writes are bounded per
		// frame inside the hub instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mesh.Start(ctx); err != nil {
		return fmt.Errorf("start medication loop: %w", err)
	}
	defer mesh.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// buildStore opens the configured session store backend and returns it with
// its cleanup function.
func buildStore(cfg config.StoreConfig, logger logging.Logger) (core.SessionStore, func(), error) {
	if cfg.Backend == "sqlite" {
		backend, err := kvsqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("session store ready", "backend", "sqlite", "path", cfg.Path)
		closer := func() {
			if err := backend.Close(); err != nil {
				logger.Error("close sqlite store", "error", err)
			}
		}
		return session.New(backend), closer, nil
	}

	logger.Info("session store ready", "backend", "memory")
	return session.NewInMemoryStore(), func() {}, nil
}

// buildDispatcher assembles the delivery sinks: structured log and the live
// stream receive every outcome, configured webhooks route by decision.
func buildDispatcher(cfg config.NotifyConfig, hub *ws.Hub, logger logging.Logger) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher(func(o *notify.DispatcherOptions) {
		o.Attempts = cfg.Attempts
		o.Backoff = cfg.Backoff
		o.Logger = logger
	})
	d.Broadcast(notify.NewLogNotifier(logger), hub)

	for _, hook := range cfg.Webhooks {
		sink := notify.NewWebhookNotifier(hook.Name, hook.URL)
		if len(hook.Decisions) == 0 {
			d.Broadcast(sink)
			continue
		}
		for _, name := range hook.Decisions {
			dec, err := core.ParseDecision(name)
			if err != nil {
				return nil, fmt.Errorf("webhook %s: %w", hook.Name, err)
			}
			d.Route(dec, sink)
		}
	}

	return d, nil
}

// buildGenerator constructs the configured narrative generator, or nil for
// the templated fallback. Provider credentials come from the environment.
func buildGenerator(cfg config.ModelConfig) model.Generator {
	switch cfg.Provider {
	case "openai":
		return openaigen.NewGenerator(func(o *openaigen.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		})
	case "anthropic":
		return anthropicgen.NewGenerator(func(o *anthropicgen.Options) {
			if cfg.Name != "" {
				o.Model = sdk.Model(cfg.Name)
			}
		})
	case "static":
		return model.NewStaticGenerator()
	default:
		return nil
	}
}

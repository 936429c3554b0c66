package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/pulseid/internal/agent"
	"github.com/ashureev/pulseid/internal/api"
	"github.com/ashureev/pulseid/internal/config"
	"github.com/ashureev/pulseid/internal/domain"
	"github.com/ashureev/pulseid/internal/identity"
	"github.com/ashureev/pulseid/internal/mail"
	"github.com/ashureev/pulseid/internal/middleware"
	"github.com/ashureev/pulseid/internal/session"
	"github.com/ashureev/pulseid/internal/store"
	"github.com/ashureev/pulseid/internal/stream"
	"github.com/ashureev/pulseid/internal/templates"
	"github.com/ashureev/pulseid/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}
	addPortFlag(cmd)
	return cmd
}

func addPortFlag(cmd *cobra.Command) {
	cmd.Flags().String("port", "", "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}
	return serve(cmd.Context(), cfg)
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	tmplStore, err := templates.NewStore(cfg.TemplateDir, logger)
	if err != nil {
		return err
	}
	slog.Info("Templates loaded", "dir", cfg.TemplateDir, "count", len(tmplStore.Names()))

	// Agents are optional: history, templates and the sent log work without them.
	connector := agent.Unavailable(nil)
	agentReady := false
	if cfg.Agent.Addr != "" {
		slog.Info("Connecting to agent service via gRPC", "address", cfg.Agent.Addr)
		client, err := agent.NewGrpcClient(cfg.Agent.Addr, logger)
		if err != nil {
			slog.Warn("Agent service unreachable, connect will fail", "error", err)
			connector = agent.Unavailable(err)
		} else {
			defer client.Close()
			connector = client
			agentReady = true
		}
	} else {
		slog.Info("Agent features disabled (AGENT_ADDR not set)")
	}

	hub := stream.NewHub(logger)
	sender := mail.NewSender(mail.RelayConfig{
		Host:    cfg.SMTP.Host,
		Port:    cfg.SMTP.Port,
		Timeout: cfg.SMTP.Timeout,
	}, repo, logger)

	orch := session.NewOrchestrator(connector, tmplStore, sender, hub, session.Config{
		DefaultModel:        cfg.DefaultModel(),
		AgentTimeout:        cfg.Agent.Timeout,
		KeepHistoryOnSwitch: cfg.KeepHistoryOnSwitch,
	}, logger)

	initial := func() domain.EmailTemplate {
		body, err := tmplStore.Load(cfg.DefaultTemplate)
		if err != nil {
			slog.Warn("Default template unavailable", "name", cfg.DefaultTemplate, "error", err)
		}
		return domain.EmailTemplate{Name: cfg.DefaultTemplate, Body: body}
	}
	sessions := session.NewManager(orch, initial, cfg.SessionTTL, logger)
	sessions.OnCleanup(hub.CloseSession)

	baseHandler := api.NewHandler(repo, sessions, orch, tmplStore)
	healthHandler := api.NewHealthHandler(repo, cfg.TemplateDir, agentReady)
	sessionHandler := api.NewSessionHandler(baseHandler, api.Settings{
		Models:            cfg.Agent.Models,
		DefaultModel:      cfg.DefaultModel(),
		DefaultDataSource: cfg.DefaultDataSource,
		DefaultTemplate:   cfg.DefaultTemplate,
		AgentConfigured:   agentReady,
	})
	wsHandler := stream.NewHandler(hub, baseHandler.Snapshot, cfg.FrontendURL, cfg.IsDevelopment())

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		healthHandler.RegisterHealth(r)
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/session", wsHandler.ServeHTTP)
	})

	r.Handle("/*", web.SPAHandler())

	// No WriteTimeout: agent calls and websocket streams are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return tmplStore.Watch(gctx)
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		sessions.CloseAll(shutdownCtx)
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

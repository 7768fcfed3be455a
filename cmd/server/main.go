// tabletalk - chat with an LLM about an uploaded CSV dataset
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/tabletalk/internal/agent"
	"github.com/ashureev/tabletalk/internal/api"
	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/config"
	"github.com/ashureev/tabletalk/internal/convlog"
	"github.com/ashureev/tabletalk/internal/identity"
	"github.com/ashureev/tabletalk/internal/metrics"
	"github.com/ashureev/tabletalk/internal/middleware"
	"github.com/ashureev/tabletalk/web"
)

const limiterEvictionInterval = time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	ctrl, err := chat.NewController(chat.Options{
		DataDir:           cfg.DataDir,
		ClientFactory:     agent.OpenAIFactory(cfg.LLM.BaseURL),
		DefaultModel:      cfg.LLM.DefaultModel,
		Temperature:       cfg.LLM.Temperature,
		MemoryWindow:      cfg.Chat.MemoryWindow,
		MaxIterations:     cfg.LLM.MaxIterations,
		QueryRowLimit:     cfg.Chat.QueryRowLimit,
		StreamDelay:       cfg.Chat.StreamDelay,
		ClearResetsMemory: cfg.Chat.ClearResetsMemory,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		slog.Error("Failed to initialize chat controller", "error", err)
		os.Exit(1)
	}

	registry := chat.NewRegistry(ctrl, m, func(userID, tabID string) {
		slog.Info("Chat session cleaned up", "user_id", userID, "session_id", tabID)
	})
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	handler := api.NewHandler(registry, cfg, conversationLogger, limiter)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(m.Middleware)
	r.Use(middleware.CORS(corsOrigins(cfg)))

	r.Handle("/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE and websocket replies stream for as long as the agent runs.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return registry.RunSweeper(gctx, cfg.SweepInterval, cfg.SessionTTL)
	})

	g.Go(func() error {
		return limiter.RunEviction(gctx, limiterEvictionInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		registry.CloseAll(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

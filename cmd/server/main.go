// Tour guide chat server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/yunhe-labs/tourguide/internal/api"
	"github.com/yunhe-labs/tourguide/internal/completion"
	"github.com/yunhe-labs/tourguide/internal/config"
	"github.com/yunhe-labs/tourguide/internal/health"
	"github.com/yunhe-labs/tourguide/internal/identity"
	"github.com/yunhe-labs/tourguide/internal/knowledge"
	"github.com/yunhe-labs/tourguide/internal/middleware"
	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/recommend"
	"github.com/yunhe-labs/tourguide/internal/session"
	"github.com/yunhe-labs/tourguide/internal/store"
	"github.com/yunhe-labs/tourguide/internal/telemetry"
	"github.com/yunhe-labs/tourguide/internal/text"
	"github.com/yunhe-labs/tourguide/internal/ws"
	"github.com/yunhe-labs/tourguide/web"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(os.Stdout, cfg.Log.File, cfg.Log.Level)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Dir, version)
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
		slog.Info("Telemetry enabled", "dir", cfg.Telemetry.Dir)
	}

	// Knowledge and ranking.
	kb := knowledge.LoadOrEmpty(cfg.KnowledgePath)
	seg, err := text.NewDictionarySegmenter()
	if err != nil {
		slog.Error("Failed to load segmenter dictionary", "error", err)
		os.Exit(1)
	}
	rec := recommend.New(text.NewNormalizer(seg))

	llm := completion.New(completion.Config{
		BaseURL:     cfg.Completion.BaseURL,
		APIKey:      cfg.Completion.APIKey,
		Model:       cfg.Completion.Model,
		Temperature: float32(cfg.Completion.Temperature),
		MaxTokens:   cfg.Completion.MaxTokens,
		Timeout:     cfg.Completion.Timeout,
	})

	// Persistence.
	repo, err := store.Open(store.Driver(cfg.StoreDriver), cfg.DBPath, cfg.DataDir)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "driver", cfg.StoreDriver)

	live, err := openLiveStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize live session store", "error", err, "type", cfg.LiveStore)
		os.Exit(1)
	}
	defer func() { _ = live.Close() }()

	svc := session.NewService(kb, rec, llm, repo, live, session.Config{
		DefaultPersona:  persona.ID(cfg.DefaultPersona),
		SuggestionCount: cfg.SuggestionCount,
	})

	// Handlers.
	limiter := api.NewRateLimiter(ctx, 20, time.Minute)
	conns := ws.NewConnManager()
	chatHandler := api.NewHandler(svc, kb, limiter)
	healthHandler := health.NewHandler(repo, kb, 2*time.Second)
	wsHandler := ws.NewHandler(svc, conns, limiter, cfg.FrontendURL, cfg.IsDevelopment())

	session.StartSweeper(ctx, svc, cfg.SessionTTL, conns.CloseSession)

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.Register(r)
	chatHandler.RegisterRoutes(r)
	r.Get("/ws/chat", wsHandler.ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	// SSE answers stream for as long as the completion runs.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var grpcHealth *health.GRPCServer
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err, "port", cfg.GRPCPort)
			os.Exit(1)
		}
		grpcHealth = health.NewGRPCServer()
		grpcHealth.Watch(ctx, repo, 15*time.Second)
		go func() {
			slog.Info("gRPC health server listening", "addr", lis.Addr().String())
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	// Redis-held sessions outlive the process; in-memory ones are saved now.
	if session.StoreType(cfg.LiveStore) != session.StoreTypeRedis {
		if n := flushSessions(shutdownCtx, svc); n > 0 {
			slog.Info("Flushed live sessions before exit", "count", n)
		}
	}

	slog.Info("Server stopped successfully")
}

// openLiveStore builds the live session store named by cfg.LiveStore.
func openLiveStore(ctx context.Context, cfg *config.Config) (session.LiveStore, error) {
	if session.StoreType(cfg.LiveStore) != session.StoreTypeRedis {
		return session.NewLiveStore(session.StoreTypeMemory)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return session.NewLiveStore(session.StoreTypeRedis,
		session.WithRedisClient(client),
		session.WithRedisTTL(cfg.SessionTTL),
	)
}

// flushSessions saves every bound live session and drops it.
func flushSessions(ctx context.Context, svc *session.Service) int {
	evicted, err := svc.Evict(ctx, time.Now().Add(time.Hour))
	if err != nil {
		slog.Warn("Failed to flush live sessions", "error", err)
		return 0
	}
	return len(evicted)
}

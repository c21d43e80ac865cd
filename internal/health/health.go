// Package health exposes readiness over HTTP and the standard gRPC health
// service.
package health

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yunhe-labs/tourguide/internal/api"
)

const defaultCheckTimeout = 5 * time.Second

// Pinger is a dependency whose reachability decides readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports the number of loaded knowledge entries.
type Counter interface {
	Len() int
}

// Handler handles the readiness endpoint.
type Handler struct {
	repo    Pinger
	kb      Counter
	timeout time.Duration
}

// NewHandler creates a readiness handler.
func NewHandler(repo Pinger, kb Counter, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Handler{repo: repo, kb: kb, timeout: timeout}
}

// Readiness reports the store and knowledge base status. An empty knowledge
// base degrades the status but does not fail readiness.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":            "healthy",
		"checks":            checks,
		"knowledge_entries": h.kb.Len(),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if h.kb.Len() == 0 {
		checks["knowledge"] = "empty"
		status["status"] = "degraded"
	} else {
		checks["knowledge"] = "ok"
	}

	api.JSON(w, statusCode, status)
}

// Register registers the readiness route.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/health", h.Readiness)
}

// GRPCServer serves grpc.health.v1.Health, tracking the store's reachability.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
}

// NewGRPCServer creates a gRPC server with the health service registered.
func NewGRPCServer() *GRPCServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{srv: srv, health: hs}
}

// SetServing updates the overall serving status.
func (g *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
}

// Watch pings repo every interval until ctx is done, mirroring the result
// into the serving status.
func (g *GRPCServer) Watch(ctx context.Context, repo Pinger, interval time.Duration) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
		defer cancel()
		err := repo.Ping(pingCtx)
		if err != nil {
			slog.Warn("gRPC health: store unreachable", "error", err)
		}
		g.SetServing(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				check()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Serve accepts connections on lis until Stop is called.
func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.srv.Serve(lis)
}

// Stop marks the service as shutting down and stops gracefully.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.srv.GracefulStop()
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ashureev/pulseid/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo        store.Repository
	templateDir string
	agentReady  bool
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, templateDir string, agentReady bool) *HealthHandler {
	return &HealthHandler{repo: repo, templateDir: templateDir, agentReady: agentReady}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if _, err := os.Stat(h.templateDir); err != nil {
		status["status"] = "degraded"
		checks["templates"] = "missing"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	// The service still serves history and the sent log without agents.
	if h.agentReady {
		checks["agent"] = "ok"
	} else {
		checks["agent"] = "unavailable"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the detailed health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Package health exposes liveness and readiness probes for the game server.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
)

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
}

// NewHandler creates a new health check handler.
func NewHandler(redisService *bus.Service) *Handler {
	return &Handler{redisService: redisService}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /healthz. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /readyz. Returns 200 only if Redis is
// reachable and keyspace-expiration notifications are enabled — without the
// latter, TimerWatcher never fires and the game silently stalls on every
// turn/reveal/word-selection transition.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	keyspaceStatus := h.checkKeyspaceNotifications(ctx)
	checks["keyspace_notifications"] = keyspaceStatus
	if keyspaceStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies Redis connectivity using PING.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed")
		return "unhealthy"
	}
	return "healthy"
}

// checkKeyspaceNotifications verifies CONFIG GET notify-keyspace-events
// includes both "E" (keyevent) and "x" (expired) — the minimum TimerWatcher
// needs to receive expiry notifications at all.
func (h *Handler) checkKeyspaceNotifications(ctx context.Context) string {
	if h.redisService == nil || h.redisService.Client() == nil {
		return "healthy"
	}

	res, err := h.redisService.Client().ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		logging.Error(ctx, "keyspace-notification config check failed")
		return "unhealthy"
	}

	flags := res["notify-keyspace-events"]
	if !hasFlag(flags, 'x') && !hasFlag(flags, 'A') {
		return "unhealthy"
	}
	if !hasFlag(flags, 'E') {
		return "unhealthy"
	}
	return "healthy"
}

func hasFlag(flags string, r byte) bool {
	for i := 0; i < len(flags); i++ {
		if flags[i] == r {
			return true
		}
	}
	return false
}

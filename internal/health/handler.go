// Package health serves the plaintext health surface: /live, /ready and
// /health. cmd/gameserver mounts these, together with the Prometheus
// /metrics handler, on the same listener as the WebSocket endpoint; no
// separate health port is opened.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liku-ai/gamecoord/internal/logging"
	"go.uber.org/zap"
)

// RedisPinger is the subset of bus.Service used for readiness checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Snapshot is the rich JSON payload returned by GET /health.
type Snapshot struct {
	ClientsCurrent int            `json:"clientsCurrent"`
	ClientsMax     int            `json:"clientsMax"`
	UptimeSeconds  float64        `json:"uptimeSeconds"`
	Counters       map[string]int `json:"counters"`
}

// SnapshotProvider supplies the live counters backing GET /health.
type SnapshotProvider interface {
	Snapshot() Snapshot
}

// Handler serves the /live, /ready and /health endpoints; /metrics is
// served by the Prometheus handler that cmd/gameserver mounts.
type Handler struct {
	startedAt   time.Time
	redis       RedisPinger
	snapshotter SnapshotProvider
	maxClients  int
	currentFn   func() int
}

// NewHandler builds a Handler. redis may be nil when running without a
// cluster bus (single-instance mode is always considered healthy).
func NewHandler(redis RedisPinger, snapshotter SnapshotProvider, maxClients int, currentClients func() int) *Handler {
	return &Handler{
		startedAt:   time.Now(),
		redis:       redis,
		snapshotter: snapshotter,
		maxClients:  maxClients,
		currentFn:   currentClients,
	}
}

type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Liveness implements GET /live: 200 iff the process is running.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{Status: "alive", Timestamp: time.Now().UnixMilli()})
}

type readinessResponse struct {
	Status     string `json:"status"`
	Clients    int    `json:"clients"`
	MaxClients int    `json:"maxClients"`
}

// Readiness implements GET /ready: 200 iff accepting connections and under
// capacity; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	current := 0
	if h.currentFn != nil {
		current = h.currentFn()
	}

	ready := current < h.maxClients
	if ready && h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			logging.Error(ctx, "readiness redis ping failed", zap.Error(err))
			ready = false
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, readinessResponse{Status: status, Clients: current, MaxClients: h.maxClients})
}

// Health implements GET /health: a rich JSON snapshot of clients, uptime,
// and counters.
func (h *Handler) Health(c *gin.Context) {
	snap := Snapshot{ClientsMax: h.maxClients}
	if h.snapshotter != nil {
		snap = h.snapshotter.Snapshot()
	}
	snap.UptimeSeconds = time.Since(h.startedAt).Seconds()
	c.JSON(http.StatusOK, snap)
}

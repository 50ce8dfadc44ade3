package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reserva/backend/internal/infrastructure/places"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/interfaces/http/dto"
)

// DBPinger reports database liveness
type DBPinger interface {
	Ping() error
}

// RedisPinger reports warm-tier liveness
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BreakerInspector exposes per-service breaker state
type BreakerInspector interface {
	Snapshot() []resilience.ServiceHealth
}

// SpendReporter exposes the discovery cost ledger
type SpendReporter interface {
	Snapshot() places.LedgerSnapshot
}

// SystemHandler handles system and health endpoints
type SystemHandler struct {
	BaseHandler
	db        DBPinger
	redis     RedisPinger
	breakers  BreakerInspector
	ledger    SpendReporter
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler. Redis and ledger are
// optional; a nil dependency is omitted from the health report.
func NewSystemHandler(db DBPinger, redis RedisPinger, breakers BreakerInspector, ledger SpendReporter) *SystemHandler {
	return &SystemHandler{
		db:        db,
		redis:     redis,
		breakers:  breakers,
		ledger:    ledger,
		startTime: time.Now(),
	}
}

// BreakerHealthResponse reports one upstream's circuit breaker state
type BreakerHealthResponse struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenedAgo           string `json:"opened_ago,omitempty"`
}

// HealthResponse is the full health report
type HealthResponse struct {
	Status         string                  `json:"status"`
	Time           string                  `json:"time"`
	Database       string                  `json:"database"`
	Redis          string                  `json:"redis,omitempty"`
	Breakers       []BreakerHealthResponse `json:"breakers,omitempty"`
	DiscoverySpend *places.LedgerSnapshot  `json:"discovery_spend,omitempty"`
}

// Healthz reports process health: DB ping, Redis ping, per-upstream breaker
// state, and discovery spend. A failed DB ping is unhealthy (503); a failed
// Redis ping only degrades, the warm tier fails soft.
func (h *SystemHandler) Healthz(c *gin.Context) {
	resp := HealthResponse{
		Status: "healthy",
		Time:   time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK

	if err := h.db.Ping(); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Database = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(c.Request.Context()); err != nil {
			resp.Redis = "error: " + err.Error()
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Redis = "ok"
		}
	}

	if h.breakers != nil {
		for _, sh := range h.breakers.Snapshot() {
			b := BreakerHealthResponse{
				Service:             sh.Service,
				State:               sh.State.String(),
				ConsecutiveFailures: sh.ConsecutiveFailures,
			}
			if sh.OpenedAgo > 0 {
				b.OpenedAgo = sh.OpenedAgo.Round(time.Second).String()
			}
			resp.Breakers = append(resp.Breakers, b)
		}
	}

	if h.ledger != nil {
		snapshot := h.ledger.Snapshot()
		resp.DiscoverySpend = &snapshot
	}

	c.JSON(status, resp)
}

// SystemInfoResponse represents the system information response
type SystemInfoResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// GetSystemInfo returns basic system information including version and uptime
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	info := SystemInfoResponse{
		Name:      "Reserva API",
		Version:   "1.0.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(info))
}

// PingResponse represents the ping response
type PingResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Ping is a simple liveness endpoint
func (h *SystemHandler) Ping(c *gin.Context) {
	response := PingResponse{
		Message:   "pong",
		Timestamp: time.Now().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(response))
}

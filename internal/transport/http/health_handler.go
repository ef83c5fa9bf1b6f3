package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/activation"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/middleware"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts"
	apiv1 "github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts/api/v1"
)

// ClientCounter reports connected WebSocket clients
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	verdicts middleware.VerdictSource
	clients  ClientCounter
	started  time.Time
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(verdicts middleware.VerdictSource, clients ClientCounter) *HealthHandler {
	return &HealthHandler{verdicts: verdicts, clients: clients, started: time.Now()}
}

// HealthCheck handles GET /api/health. The service is healthy whatever
// the license state; the state is reported, not judged.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	v := h.verdicts.Current()
	checks := map[string]string{
		"license_checked_at": v.CheckedAt.UTC().Format(time.RFC3339),
	}
	if h.clients != nil {
		checks["websocket_clients"] = strconv.Itoa(h.clients.ClientCount())
	}
	render.JSON(w, r, apiv1.HealthResponse{
		Status:    "healthy",
		Version:   contracts.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		License:   string(v.State),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

// ReadinessCheck handles GET /api/health/ready. The service is ready once
// the startup check has produced a verdict.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	v := h.verdicts.Current()
	if v.State == activation.StatePendingRemote {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "starting", "license": string(v.State)})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ready", "license": string(v.State)})
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}

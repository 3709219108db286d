package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/alerting"
	"github.com/medic-monitor/medic/internal/api"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/medicerr"
	"github.com/medic-monitor/medic/internal/ratelimit"
)

// HTTPHandler handles the public heartbeat and health endpoints
type HTTPHandler struct {
	db      *gorm.DB
	manager *alerting.Manager
	limiter ratelimit.Limiter
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(db *gorm.DB, manager *alerting.Manager, limiter ratelimit.Limiter) *HTTPHandler {
	return &HTTPHandler{
		db:      db,
		manager: manager,
		limiter: limiter,
	}
}

// SetupRoutes configures the public routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	// GET is accepted as a ping variant: plenty of cron clients can only GET
	mux.HandleFunc("POST /v2/heartbeat/{name}", h.handleHeartbeat)
	mux.HandleFunc("GET /v2/heartbeat/{name}", h.handleHeartbeat)
}

// handleHealth returns a simple health check response
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleHeartbeat ingests one liveness signal. A rejected (rate-limited)
// beat is reported as rejected, never silently swallowed as accepted.
func (h *HTTPHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		api.RespondError(w, http.StatusBadRequest, "Heartbeat name is required")
		return
	}

	decision, err := h.limiter.Allow(r.Context(), "heartbeat:"+name)
	if err != nil {
		log.Printf("Heartbeat rate limiter error for %s: %v", name, err)
	} else if !decision.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())+1))
		api.RespondTaxonomyError(w, medicerr.RateLimitedf("heartbeat %s is over its rate limit", name))
		return
	}

	svc, err := database.FindServiceByHeartbeatName(h.db, name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondErrorWithCode(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("no service with heartbeat name %q", name))
			return
		}
		log.Printf("Heartbeat lookup failed for %s: %v", name, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to look up service")
		return
	}

	now := time.Now()
	if err := database.RecordHeartbeat(h.db, svc.ID, "ok", now); err != nil {
		log.Printf("Failed to record heartbeat for %s: %v", name, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to record heartbeat")
		return
	}
	svc.LastBeatAt = &now

	// A beat from a down service recovers it immediately rather than
	// waiting for the next detector tick
	if svc.Down {
		if _, err := h.manager.HandleRecovery(r.Context(), svc); err != nil {
			log.Printf("Immediate recovery failed for %s: %v", name, err)
		}
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     svc.ServiceName,
		"received_at": now.UTC().Format(time.RFC3339),
	})
}

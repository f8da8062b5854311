// Package endpoints provides the admin HTTP handlers of the SDK harness
package endpoints

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/csm"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/cdb"
)

// maxBodyBytes bounds admin request bodies
const maxBodyBytes = 64 * 1024

// Pipeline is the part of *csm.Service the admin surface needs
type Pipeline interface {
	Status() csm.Status
	TriggerSend() bool
}

// Breaker exposes the CDB circuit breaker. *cdb.Client satisfies it.
type Breaker interface {
	CircuitBreakerStats() cdb.CircuitBreakerStats
	ResetCircuitBreaker()
}

// StatusResponse is the body of /status
type StatusResponse struct {
	Status    string                  `json:"status"`
	Timestamp string                  `json:"timestamp"`
	CSM       csm.Status              `json:"csm"`
	Circuit   cdb.CircuitBreakerStats `json:"circuit"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HealthHandler handles /health requests
type HealthHandler struct{}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// ServeHTTP handles health requests
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusHandler handles /status requests
type StatusHandler struct {
	pipeline Pipeline
	breaker  Breaker
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(pipeline Pipeline, breaker Breaker) *StatusHandler {
	return &StatusHandler{pipeline: pipeline, breaker: breaker}
}

// ServeHTTP handles status requests
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		CSM:       h.pipeline.Status(),
		Circuit:   h.breaker.CircuitBreakerStats(),
	})
}

// FlushHandler handles /flush requests by starting an out-of-schedule send
type FlushHandler struct {
	pipeline Pipeline
}

// NewFlushHandler creates a new flush handler
func NewFlushHandler(pipeline Pipeline) *FlushHandler {
	return &FlushHandler{pipeline: pipeline}
}

// ServeHTTP handles flush requests
func (h *FlushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": h.pipeline.TriggerSend()})
}

// CircuitResetHandler handles /circuit/reset requests
type CircuitResetHandler struct {
	breaker Breaker
}

// NewCircuitResetHandler creates a new circuit reset handler
func NewCircuitResetHandler(breaker Breaker) *CircuitResetHandler {
	return &CircuitResetHandler{breaker: breaker}
}

// ServeHTTP handles circuit reset requests
func (h *CircuitResetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.breaker.ResetCircuitBreaker()
	writeJSON(w, http.StatusOK, h.breaker.CircuitBreakerStats())
}

package handlers

import (
	"context"
	"net/http"
	"time"
)

// Node is the part of a running node the API reads from.
type Node interface {
	ID() string
	Healthcheck(ctx context.Context) error
	LocalKeys() []string
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	node Node
}

// NewHealthHandler creates a health handler. node may be nil, in which case
// the readiness probe fails.
func NewHealthHandler(node Node) *HealthHandler {
	return &HealthHandler{node: node}
}

// Liveness handles GET /health. It succeeds as long as the process serves HTTP.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "dittocluster",
	}))
}

// Readiness handles GET /health/ready: the node exists and its store answers.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.node == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("node not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.node.Healthcheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("store unavailable: "+err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"node_id":       h.node.ID(),
		"local_states":  len(h.node.LocalKeys()),
		"store_latency": time.Since(start).String(),
	}))
}

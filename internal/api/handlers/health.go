package handlers

import (
	"net/http"

	"github.com/speech-stream/backend/internal/gpu"
	"github.com/speech-stream/backend/internal/modelcache"
)

type HealthHandler struct {
	cache *modelcache.Cache
	model string
}

func NewHealthHandler(cache *modelcache.Cache, model string) *HealthHandler {
	return &HealthHandler{cache: cache, model: model}
}

// Health is the liveness check.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// Ready reports GPU readiness: a discrete GPU must be present and the default
// model resident.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	info := gpu.Detect()
	if !info.Present() {
		jsonError(w, "GPU not available", http.StatusServiceUnavailable)
		return
	}
	if !h.cache.Loaded() {
		jsonError(w, "model not loaded", http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, map[string]string{
		"status": "ready",
		"gpu":    info.Device,
		"model":  h.model,
	}, http.StatusOK)
}

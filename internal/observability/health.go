package observability

import (
	"encoding/json"
	"net/http"
	"sync"
)

// HealthServer exposes /healthz and /readyz endpoints. Readiness is tracked
// per component; the server is ready once every registered component is.
type HealthServer struct {
	mu         sync.RWMutex
	components map[string]bool
}

// NewHealthServer creates a health server that waits for components.
func NewHealthServer(components ...string) *HealthServer {
	h := &HealthServer{components: make(map[string]bool, len(components))}
	for _, c := range components {
		h.components[c] = false
	}
	return h
}

// SetReady marks a component as ready or not ready. Unknown components are
// registered on first use.
func (h *HealthServer) SetReady(component string, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[component] = ready
}

// Ready reports whether at least one component is registered and all of
// them are ready.
func (h *HealthServer) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.components) == 0 {
		return false
	}
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

func (h *HealthServer) snapshot() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register adds the health endpoints to mux.
func (h *HealthServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := readyResponse{Status: "ready", Components: h.snapshot()}
	if h.Ready() {
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

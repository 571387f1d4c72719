package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/health"
	"github.com/switchyardhq/switchyard/internal/routing"
	"github.com/switchyardhq/switchyard/internal/store"
)

type AdminHandler struct {
	store     store.Store
	directory directory.Client
	health    *health.Tracker
	router    *routing.Engine
}

func NewAdminHandler(s store.Store, dir directory.Client, tracker *health.Tracker, router *routing.Engine) *AdminHandler {
	return &AdminHandler{store: s, directory: dir, health: tracker, router: router}
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type agentStatus struct {
	directory.Agent
	BreakerState health.State `json:"breaker_state"`
	Drained      bool         `json:"drained"`
}

func (h *AdminHandler) Agents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.directory.ListAgents(r.Context(), directory.Filter{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]agentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentStatus{
			Agent:        a,
			BreakerState: h.health.State(a.ID),
			Drained:      h.router.IsDrained(a.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) Drain(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id required"})
		return
	}
	h.router.DrainAgent(agentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining", "agent_id": agentID})
}

func (h *AdminHandler) Undrain(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id required"})
		return
	}
	h.router.UndrainAgent(agentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "agent_id": agentID})
}

func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Snapshot())
}

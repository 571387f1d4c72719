package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/flow"
)

type FlowsHandler struct {
	checker *flow.Checker
}

func NewFlowsHandler(c *flow.Checker) *FlowsHandler {
	return &FlowsHandler{checker: c}
}

type checkFlowRequest struct {
	TaskID       string   `json:"task_id,omitempty"`
	ExpectedFlow []string `json:"expected_flow"`
	ActualFlow   []string `json:"actual_flow"`
}

// Check scores a flow pair. With a task_id the trace is persisted; without
// one it is a pure computation.
func (h *FlowsHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.TaskID == "" {
		writeJSON(w, http.StatusOK, flow.Check(req.ExpectedFlow, req.ActualFlow))
		return
	}

	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task_id"})
		return
	}
	trace, err := h.checker.CheckAndRecord(r.Context(), taskID, req.ExpectedFlow, req.ActualFlow)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (h *FlowsHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	trace, err := h.checker.Trace(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if trace == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "flow trace not found"})
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

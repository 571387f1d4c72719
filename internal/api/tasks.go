package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/dispatch"
	"github.com/switchyardhq/switchyard/internal/store"
)

type TasksHandler struct {
	coordinator *dispatch.Coordinator
}

func NewTasksHandler(c *dispatch.Coordinator) *TasksHandler {
	return &TasksHandler{coordinator: c}
}

type createTaskRequest struct {
	Description    string   `json:"description"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	ExperimentID   string   `json:"experiment_id,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
}

func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	submit := dispatch.SubmitRequest{
		Description:    req.Description,
		Capabilities:   req.Capabilities,
		Strategy:       req.Strategy,
		Owner:          r.Header.Get("X-Caller-ID"),
		SessionID:      req.SessionID,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	}
	if req.ExperimentID != "" {
		expID, err := uuid.Parse(req.ExperimentID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid experiment_id"})
			return
		}
		submit.ExperimentID = &expID
	}

	task, err := h.coordinator.Submit(r.Context(), submit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Owner:   r.URL.Query().Get("owner"),
		Agent:   r.URL.Query().Get("agent"),
		Session: r.URL.Query().Get("session"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := store.TaskStatus(s)
		filter.Status = &status
	}

	tasks, err := h.coordinator.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	task, err := h.coordinator.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TasksHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	task, err := h.coordinator.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrTaskTerminal):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

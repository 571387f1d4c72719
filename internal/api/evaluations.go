package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/evaluation"
	"github.com/switchyardhq/switchyard/internal/metrics"
	"github.com/switchyardhq/switchyard/internal/store"
)

type EvaluationsHandler struct {
	engine *evaluation.Engine
}

func NewEvaluationsHandler(e *evaluation.Engine) *EvaluationsHandler {
	return &EvaluationsHandler{engine: e}
}

type evaluateRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	AgentID   string `json:"agent_id"`
	Template  string `json:"template,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Context   string `json:"context,omitempty"`
	Response  string `json:"response"`
	Reference string `json:"reference,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
}

func (req evaluateRequest) toEngine() (evaluation.Request, error) {
	out := evaluation.Request{
		AgentID:   req.AgentID,
		Template:  req.Template,
		Prompt:    req.Prompt,
		Context:   req.Context,
		Response:  req.Response,
		Reference: req.Reference,
		Feedback:  req.Feedback,
	}
	if req.TaskID != "" {
		id, err := uuid.Parse(req.TaskID)
		if err != nil {
			return out, errors.New("invalid task_id")
		}
		out.TaskID = id
	}
	return out, nil
}

func (h *EvaluationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	engineReq, err := req.toEngine()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rec, err := h.engine.Evaluate(r.Context(), engineReq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, evaluation.ErrUnknownTemplate) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	metrics.EvaluationsRecorded.WithLabelValues(rec.Template).Inc()
	writeJSON(w, http.StatusCreated, rec)
}

type batchRequest struct {
	Evaluations []evaluateRequest `json:"evaluations"`
}

func (h *EvaluationsHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	engineReqs := make([]evaluation.Request, 0, len(req.Evaluations))
	for i, e := range req.Evaluations {
		er, err := e.toEngine()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "item " + strconv.Itoa(i) + ": " + err.Error(),
			})
			return
		}
		engineReqs = append(engineReqs, er)
	}

	items, err := h.engine.EvaluateBatch(r.Context(), engineReqs)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, evaluation.ErrBatchTooLarge) || errors.Is(err, evaluation.ErrEmptyBatch) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	var successful int
	for _, item := range items {
		if item.Record != nil {
			successful++
			metrics.EvaluationsRecorded.WithLabelValues(item.Record.Template).Inc()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      len(items),
		"successful": successful,
		"failed":     len(items) - successful,
		"results":    items,
	})
}

func (h *EvaluationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid evaluation id"})
		return
	}

	rec, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "evaluation not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *EvaluationsHandler) List(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	taskIDRaw := r.URL.Query().Get("task")

	var (
		recs []*store.EvaluationRecord
		err  error
	)
	switch {
	case taskIDRaw != "":
		taskID, parseErr := uuid.Parse(taskIDRaw)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
			return
		}
		recs, err = h.engine.ListForTask(r.Context(), taskID)
	case agentID != "":
		limit := 100
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, convErr := strconv.Atoi(l); convErr == nil && n > 0 {
				limit = n
			}
		}
		recs, err = h.engine.ListForAgent(r.Context(), agentID, limit)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent or task query parameter required"})
		return
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []*store.EvaluationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *EvaluationsHandler) Templates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": h.engine.TemplateNames()})
}

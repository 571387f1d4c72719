package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/store"
)

type ExperimentsHandler struct {
	engine *experiment.Engine
}

func NewExperimentsHandler(e *experiment.Engine) *ExperimentsHandler {
	return &ExperimentsHandler{engine: e}
}

type createExperimentRequest struct {
	Name            string                   `json:"name"`
	VariantA        string                   `json:"variant_a"`
	VariantB        string                   `json:"variant_b"`
	TrafficSplit    float64                  `json:"traffic_split"`
	MinSamples      int                      `json:"min_samples,omitempty"`
	ConfidenceLevel float64                  `json:"confidence_level,omitempty"`
	Metrics         []store.ExperimentMetric `json:"metrics,omitempty"`
}

func (h *ExperimentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	exp := &store.Experiment{
		Name:            req.Name,
		VariantA:        req.VariantA,
		VariantB:        req.VariantB,
		TrafficSplit:    req.TrafficSplit,
		MinSamples:      req.MinSamples,
		ConfidenceLevel: req.ConfidenceLevel,
		Metrics:         req.Metrics,
	}
	if err := h.engine.Create(r.Context(), exp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (h *ExperimentsHandler) List(w http.ResponseWriter, r *http.Request) {
	var status *store.ExperimentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := store.ExperimentStatus(s)
		status = &st
	}

	exps, err := h.engine.List(r.Context(), status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if exps == nil {
		exps = []*store.Experiment{}
	}
	writeJSON(w, http.StatusOK, exps)
}

func (h *ExperimentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExperimentID(w, r)
	if !ok {
		return
	}
	exp, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

type assignRequest struct {
	TaskID string `json:"task_id"`
}

func (h *ExperimentsHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExperimentID(w, r)
	if !ok {
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task_id"})
		return
	}

	assignment, err := h.engine.Assign(r.Context(), id, taskID)
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *ExperimentsHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExperimentID(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Results(r.Context(), id)
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ExperimentsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseExperimentID(w, r)
	if !ok {
		return
	}
	exp, err := h.engine.Stop(r.Context(), id)
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func parseExperimentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid experiment id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeExperimentError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, experiment.ErrExperimentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, experiment.ErrExperimentNotActive):
		status = http.StatusConflict
	case errors.Is(err, experiment.ErrTaskNotAssigned):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

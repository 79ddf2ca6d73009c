package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/notifier"
	callsvc "github.com/callscout-ai/voice-service/internal/services/call"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/pkg/logger"
)

// Dispatcher starts dialing a run's calls. *dialer.Dialer satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string, calls []*domain.Call) error
}

// RunHandler serves the run CRUD API, the operator control endpoint and the
// live snapshot stream.
type RunHandler struct {
	store      store.Store
	dispatcher Dispatcher
	flow       *callsvc.Service
	notifier   *notifier.Notifier
}

func NewRunHandler(st store.Store, d Dispatcher, flow *callsvc.Service, n *notifier.Notifier) *RunHandler {
	return &RunHandler{store: st, dispatcher: d, flow: flow, notifier: n}
}

func (h *RunHandler) SetupRunRoutes(router *mux.Router) {
	router.HandleFunc("/runs", h.createRun).Methods("POST")
	router.HandleFunc("/runs", h.listRuns).Methods("GET")
	router.HandleFunc("/runs/{runId}", h.getRun).Methods("GET")
	router.HandleFunc("/runs/{runId}/events", h.streamRun).Methods("GET")
	router.HandleFunc("/runs/{runId}/calls/{callId}", h.getCall).Methods("GET")
	router.HandleFunc("/runs/{runId}/calls/{callId}/control", h.controlCall).Methods("POST")
	router.HandleFunc("/runs/{runId}/calls/{callId}/results", h.recordResults).Methods("POST")
}

type createRunRequest struct {
	Query     string          `json:"query"`
	CreatedBy string          `json:"createdBy"`
	Prep      domain.CallPrep `json:"prep"`
	Leads     []domain.Lead   `json:"leads"`
}

func (h *RunHandler) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prep.Objective) == "" {
		writeJSONError(w, http.StatusBadRequest, "prep.objective is required")
		return
	}
	if len(req.Leads) == 0 {
		writeJSONError(w, http.StatusBadRequest, "at least one lead is required")
		return
	}

	run := &domain.Run{
		ID:        uuid.NewString(),
		Query:     req.Query,
		CreatedBy: req.CreatedBy,
		StartedAt: time.Now(),
		Status:    domain.RunStatusSearching,
		Prep:      req.Prep,
	}
	if err := h.store.CreateRun(r.Context(), run); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not create run")
		return
	}

	calls := make([]*domain.Call, 0, len(req.Leads))
	for _, lead := range req.Leads {
		if lead.ID == "" {
			lead.ID = uuid.NewString()
		}
		c := &domain.Call{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			LeadID: lead.ID,
			Lead:   lead,
			State:  domain.CallStateIdle,
		}
		if err := h.store.CreateCall(r.Context(), c); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "could not create call")
			return
		}
		calls = append(calls, c)
	}

	// Dialing continues after this request returns; the snapshot stream
	// carries progress to the client.
	go func() {
		if err := h.dispatcher.Dispatch(context.Background(), run.ID, calls); err != nil {
			logger.L().Error("run dispatch failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}()

	created, err := h.store.GetRun(r.Context(), run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *RunHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *RunHandler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), mux.Vars(r)["runId"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunHandler) streamRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	if err := h.notifier.StreamRun(r.Context(), w, runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeJSONError(w, http.StatusNotFound, "run not found")
			return
		}
		logger.L().Warn("snapshot stream ended with error",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

func (h *RunHandler) getCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	call, err := h.store.GetCall(r.Context(), vars["runId"], vars["callId"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

type controlRequest struct {
	Action string `json:"action"`
	// Value turns listen/takeover on or off; omitted means on.
	Value *bool `json:"value,omitempty"`
}

// controlCall applies an operator action to a live call.
func (h *RunHandler) controlCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID, callID := vars["runId"], vars["callId"]

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	value := true
	if req.Value != nil {
		value = *req.Value
	}

	var err error
	switch req.Action {
	case "listen":
		err = h.flow.SetListening(r.Context(), runID, callID, value)
	case "takeover":
		err = h.flow.SetTakenOver(r.Context(), runID, callID, value)
	case "end":
		err = h.flow.EndCall(r.Context(), runID, callID)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	call, err := h.store.GetCall(r.Context(), runID, callID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

type resultsRequest struct {
	Sentiment domain.Sentiment      `json:"sentiment,omitempty"`
	Extracted *domain.ExtractedData `json:"extractedData,omitempty"`
}

// recordResults stores post-call enrichment: conversation sentiment and the
// business facts extracted from the transcript. Extracted fields merge; a
// later call never blanks an earlier value.
func (h *RunHandler) recordResults(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID, callID := vars["runId"], vars["callId"]

	var req resultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Sentiment != "" {
		switch req.Sentiment {
		case domain.SentimentPositive, domain.SentimentNeutral, domain.SentimentNegative:
		default:
			writeJSONError(w, http.StatusBadRequest, "unknown sentiment")
			return
		}
		if err := h.store.SetSentiment(r.Context(), runID, callID, req.Sentiment); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if req.Extracted != nil {
		if err := h.store.MergeExtracted(r.Context(), runID, callID, req.Extracted); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	call, err := h.store.GetCall(r.Context(), runID, callID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Error("encoding response failed", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		writeJSONError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, store.ErrCallNotFound):
		writeJSONError(w, http.StatusNotFound, "call not found")
	default:
		logger.L().Error("store operation failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

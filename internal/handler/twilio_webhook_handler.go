package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	callsvc "github.com/callscout-ai/voice-service/internal/services/call"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/pkg/logger"
)

// TwilioWebhookHandler terminates the carrier's HTTP callbacks. All three
// webhooks identify the call via runId/callId query params; status callbacks
// that arrive with only a CallSid are resolved through the SID index.
type TwilioWebhookHandler struct {
	flow     *callsvc.Service
	sidIndex store.SIDIndex
}

func NewTwilioWebhookHandler(flow *callsvc.Service, sidIndex store.SIDIndex) *TwilioWebhookHandler {
	return &TwilioWebhookHandler{flow: flow, sidIndex: sidIndex}
}

func (h *TwilioWebhookHandler) SetupTwilioRoutes(router *mux.Router) {
	router.HandleFunc("/twilio/answer", h.handleAnswer).Methods("POST")
	router.HandleFunc("/twilio/gather", h.handleGather).Methods("POST")
	router.HandleFunc("/twilio/status", h.handleStatus).Methods("POST")
}

// callIdentity resolves the run/call pair for a webhook, falling back to the
// SID index when the query params are absent.
func (h *TwilioWebhookHandler) callIdentity(r *http.Request) (runID, callID string, ok bool) {
	runID = r.URL.Query().Get("runId")
	callID = r.URL.Query().Get("callId")
	if runID != "" && callID != "" {
		return runID, callID, true
	}
	if sid := r.FormValue("CallSid"); sid != "" && h.sidIndex != nil {
		if rID, cID, err := h.sidIndex.Lookup(r.Context(), sid); err == nil {
			return rID, cID, true
		}
	}
	return "", "", false
}

func (h *TwilioWebhookHandler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	runID, callID, ok := h.callIdentity(r)
	if !ok {
		http.Error(w, "missing runId/callId", http.StatusBadRequest)
		return
	}

	xml, err := h.flow.HandleAnswer(r.Context(), runID, callID)
	if err != nil {
		writeFlowError(w, runID, callID, "answer", err)
		return
	}
	writeTwiML(w, xml)
}

func (h *TwilioWebhookHandler) handleGather(w http.ResponseWriter, r *http.Request) {
	runID, callID, ok := h.callIdentity(r)
	if !ok {
		http.Error(w, "missing runId/callId", http.StatusBadRequest)
		return
	}

	speech := r.FormValue("SpeechResult")
	confidence := 0.0
	if raw := r.FormValue("Confidence"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			confidence = v
		}
	}

	xml, err := h.flow.HandleGather(r.Context(), runID, callID, speech, confidence)
	if err != nil {
		writeFlowError(w, runID, callID, "gather", err)
		return
	}
	writeTwiML(w, xml)
}

// handleStatus always returns 200 to the carrier. A failed status update is
// our problem, and retries from the carrier would not fix it.
func (h *TwilioWebhookHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID, callID, ok := h.callIdentity(r)
	if !ok {
		http.Error(w, "missing runId/callId", http.StatusBadRequest)
		return
	}

	var duration *int
	if raw := r.FormValue("CallDuration"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			duration = &v
		}
	}

	err := h.flow.HandleStatus(r.Context(), runID, callID,
		r.FormValue("CallStatus"), r.FormValue("AnsweredBy"), duration)
	if err != nil {
		logger.L().Error("status callback failed",
			zap.String("run_id", runID),
			zap.String("call_id", callID),
			zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func writeFlowError(w http.ResponseWriter, runID, callID, webhook string, err error) {
	if errors.Is(err, store.ErrRunNotFound) || errors.Is(err, store.ErrCallNotFound) {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	logger.L().Error("webhook handling failed",
		zap.String("webhook", webhook),
		zap.String("run_id", runID),
		zap.String("call_id", callID),
		zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeTwiML(w http.ResponseWriter, xml string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml))
}

package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callscout-ai/voice-service/internal/config"
	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/reply"
	callsvc "github.com/callscout-ai/voice-service/internal/services/call"
	"github.com/callscout-ai/voice-service/internal/store"
)

type cannedGenerator struct{ text string }

func (g cannedGenerator) Generate(context.Context, domain.CallPrep, []reply.Message, string) (reply.Reply, error) {
	return reply.Reply{Text: g.text}, nil
}

func newWebhookRouter(t *testing.T) (*mux.Router, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	flow := callsvc.NewService(st, cannedGenerator{text: "Understood."}, nil,
		config.DefaultFlowConfig(), "https://calls.example.com", "")

	router := mux.NewRouter()
	NewTwilioWebhookHandler(flow, store.NewMemorySIDIndex()).SetupTwilioRoutes(router)
	return router, st
}

func seedWebhookCall(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, &domain.Run{
		ID:   "run-1",
		Prep: domain.CallPrep{Objective: "check opening hours"},
	}))
	require.NoError(t, st.CreateCall(ctx, &domain.Call{
		ID:    "call-1",
		RunID: "run-1",
		Lead:  domain.Lead{Name: "Corner Shop", Phone: "+15550100000"},
		State: domain.CallStateDialing,
	}))
}

func postForm(router *mux.Router, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGatherMissingIdentityRejected(t *testing.T) {
	router, _ := newWebhookRouter(t)
	rec := postForm(router, "/twilio/gather", url.Values{"SpeechResult": {"hello"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatherRespondsWithTwiML(t *testing.T) {
	router, st := newWebhookRouter(t)
	seedWebhookCall(t, st)

	rec := postForm(router, "/twilio/gather?runId=run-1&callId=call-1", url.Values{
		"SpeechResult": {"We open at nine."},
		"Confidence":   {"0.92"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Understood.")
	assert.Contains(t, rec.Body.String(), "<Gather")
}

func TestGatherUnknownCall(t *testing.T) {
	router, _ := newWebhookRouter(t)
	rec := postForm(router, "/twilio/gather?runId=nope&callId=nada", url.Values{
		"SpeechResult": {"hello"},
		"Confidence":   {"0.9"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnswerPromotesCall(t *testing.T) {
	router, st := newWebhookRouter(t)
	seedWebhookCall(t, st)

	rec := postForm(router, "/twilio/answer?runId=run-1&callId=call-1", url.Values{})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Say>")

	call, err := st.GetCall(context.Background(), "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateConnected, call.State)
}

func TestStatusAlwaysOK(t *testing.T) {
	router, st := newWebhookRouter(t)
	seedWebhookCall(t, st)

	rec := postForm(router, "/twilio/status?runId=run-1&callId=call-1", url.Values{
		"CallStatus":   {"completed"},
		"CallDuration": {"37"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	call, err := st.GetCall(context.Background(), "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCompleted, call.State)
	assert.Equal(t, 37, call.DurationSeconds)

	// A status for a vanished call is still acknowledged.
	rec = postForm(router, "/twilio/status?runId=run-1&callId=gone", url.Values{
		"CallStatus": {"failed"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusResolvedThroughSIDIndex(t *testing.T) {
	st := store.NewMemoryStore()
	flow := callsvc.NewService(st, cannedGenerator{text: "ok"}, nil,
		config.DefaultFlowConfig(), "https://calls.example.com", "")
	sidIndex := store.NewMemorySIDIndex()

	router := mux.NewRouter()
	NewTwilioWebhookHandler(flow, sidIndex).SetupTwilioRoutes(router)

	seedWebhookCall(t, st)
	require.NoError(t, st.AttachCallSID(context.Background(), "run-1", "call-1", "CA-77"))
	require.NoError(t, sidIndex.Bind(context.Background(), "CA-77", "run-1", "call-1"))

	rec := postForm(router, "/twilio/status", url.Values{
		"CallSid":    {"CA-77"},
		"CallStatus": {"ringing"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	call, err := st.GetCall(context.Background(), "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateRinging, call.State)
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callscout-ai/voice-service/internal/config"
	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/notifier"
	callsvc "github.com/callscout-ai/voice-service/internal/services/call"
	"github.com/callscout-ai/voice-service/internal/store"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched chan string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, runID string, _ []*domain.Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatched != nil {
		d.dispatched <- runID
	}
	return nil
}

func newRunRouter(t *testing.T) (*mux.Router, *store.MemoryStore, *recordingDispatcher) {
	t.Helper()
	st := store.NewMemoryStore()
	disp := &recordingDispatcher{dispatched: make(chan string, 4)}
	flow := callsvc.NewService(st, cannedGenerator{text: "ok"}, nil,
		config.DefaultFlowConfig(), "https://calls.example.com", "")

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	NewRunHandler(st, disp, flow, notifier.New(st)).SetupRunRoutes(api)
	return router, st, disp
}

func TestCreateRunCreatesCallsAndDispatches(t *testing.T) {
	router, st, disp := newRunRouter(t)

	body := `{
		"query": "dentists in Oakland",
		"createdBy": "operator-1",
		"prep": {"objective": "ask about cleaning prices", "script": "Hi {business_name}!"},
		"leads": [
			{"name": "Lakeview Dental", "phone": "+15550100001"},
			{"name": "Uptown Smiles", "phone": "+15550100002"}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.ID)
	assert.Len(t, run.Calls, 2)
	assert.Equal(t, "ask about cleaning prices", run.Prep.Objective)

	assert.Equal(t, run.ID, <-disp.dispatched)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, stored.CallIDs, 2)
}

func TestCreateRunValidation(t *testing.T) {
	router, _, _ := newRunRouter(t)

	for name, body := range map[string]string{
		"no objective": `{"query":"q","prep":{},"leads":[{"name":"A","phone":"+15550100001"}]}`,
		"no leads":     `{"query":"q","prep":{"objective":"ask"},"leads":[]}`,
		"bad json":     `{`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestGetRunNotFound(t *testing.T) {
	router, _, _ := newRunRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlCallActions(t *testing.T) {
	router, st, _ := newRunRouter(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, &domain.Run{ID: "run-1", Prep: domain.CallPrep{Objective: "ask"}}))
	require.NoError(t, st.CreateCall(ctx, &domain.Call{
		ID: "call-1", RunID: "run-1",
		Lead:  domain.Lead{Name: "Corner Shop"},
		State: domain.CallStateConnected,
	}))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/runs/run-1/calls/call-1/control",
			strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// Value defaults to true when omitted.
	rec := post(`{"action":"listen"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call, err := st.GetCall(ctx, "run-1", "call-1")
	require.NoError(t, err)
	assert.True(t, call.IsListening)

	rec = post(`{"action":"listen","value":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call, err = st.GetCall(ctx, "run-1", "call-1")
	require.NoError(t, err)
	assert.False(t, call.IsListening)

	rec = post(`{"action":"takeover","value":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call, err = st.GetCall(ctx, "run-1", "call-1")
	require.NoError(t, err)
	assert.True(t, call.IsTakenOver)

	rec = post(`{"action":"takeover","value":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call, err = st.GetCall(ctx, "run-1", "call-1")
	require.NoError(t, err)
	assert.False(t, call.IsTakenOver)

	rec = post(`{"action":"end"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call, err = st.GetCall(ctx, "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCompleted, call.State)

	rec = post(`{"action":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordResultsMergesExtractedData(t *testing.T) {
	router, st, _ := newRunRouter(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, &domain.Run{ID: "run-1", Prep: domain.CallPrep{Objective: "ask"}}))
	require.NoError(t, st.CreateCall(ctx, &domain.Call{
		ID: "call-1", RunID: "run-1",
		Lead:  domain.Lead{Name: "Corner Shop"},
		State: domain.CallStateCompleted,
	}))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/runs/run-1/calls/call-1/results",
			strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"sentiment":"positive","extractedData":{"price":"$120","hours":"9-5"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(`{"extractedData":{"availability":"next Tuesday"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	call, err := st.GetCall(ctx, "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SentimentPositive, call.Sentiment)
	require.NotNil(t, call.Extracted)
	assert.Equal(t, "$120", call.Extracted.Price)
	assert.Equal(t, "9-5", call.Extracted.Hours)
	assert.Equal(t, "next Tuesday", call.Extracted.Availability)

	rec = post(`{"sentiment":"ecstatic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorAuthGuardsAPI(t *testing.T) {
	st := store.NewMemoryStore()
	flow := callsvc.NewService(st, cannedGenerator{text: "ok"}, nil,
		config.DefaultFlowConfig(), "https://calls.example.com", "")

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Use(OperatorAuthMiddleware("topsecret"))
	NewRunHandler(st, &recordingDispatcher{}, flow, notifier.New(st)).SetupRunRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator-1"}).
		SignedString([]byte("topsecret"))
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/store"
)

type fakeCarrier struct {
	mu      sync.Mutex
	created []*api.CreateCallParams
	updated []string
	failFor map[string]error // keyed by To number
	nextSid int
}

func (f *fakeCarrier) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if params.To != nil {
		if err, ok := f.failFor[*params.To]; ok {
			return nil, err
		}
	}
	f.created = append(f.created, params)
	f.nextSid++
	sid := fmt.Sprintf("CA-%04d", f.nextSid)
	return &api.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeCarrier) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, sid)
	return &api.ApiV2010Call{Sid: &sid}, nil
}

type staticURLs struct{ base string }

func (u staticURLs) AnswerURL(runID, callID string) string {
	return u.base + "/twilio/answer?runId=" + runID + "&callId=" + callID
}

func (u staticURLs) StatusURL(runID, callID string) string {
	return u.base + "/twilio/status?runId=" + runID + "&callId=" + callID
}

func seedRun(t *testing.T, st *store.MemoryStore, leads []domain.Lead) (string, []*domain.Call) {
	t.Helper()
	ctx := context.Background()
	run := &domain.Run{ID: "run-1", Query: "plumbers", Status: domain.RunStatusSearching}
	require.NoError(t, st.CreateRun(ctx, run))

	calls := make([]*domain.Call, 0, len(leads))
	for i, lead := range leads {
		c := &domain.Call{
			ID:    fmt.Sprintf("call-%d", i+1),
			RunID: run.ID,
			Lead:  lead,
			State: domain.CallStateIdle,
		}
		require.NoError(t, st.CreateCall(ctx, c))
		calls = append(calls, c)
	}
	return run.ID, calls
}

func TestDispatchDialsEveryLead(t *testing.T) {
	st := store.NewMemoryStore()
	carrier := &fakeCarrier{}
	sidIndex := store.NewMemorySIDIndex()
	d := newWithAPI(st, sidIndex, staticURLs{"https://calls.example.com"}, carrier, "+15550009999", "+1", 100)

	runID, calls := seedRun(t, st, []domain.Lead{
		{ID: "l1", Name: "A Plumbing", Phone: "(555) 010-0001"},
		{ID: "l2", Name: "B Plumbing", Phone: "555-010-0002"},
	})

	require.NoError(t, d.Dispatch(context.Background(), runID, calls))
	d.Wait()

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCalling, run.Status)

	require.Len(t, carrier.created, 2)
	for _, params := range carrier.created {
		require.NotNil(t, params.To)
		assert.Contains(t, *params.To, "+1555010000")
		require.NotNil(t, params.From)
		assert.Equal(t, "+15550009999", *params.From)
		require.NotNil(t, params.Url)
		assert.Contains(t, *params.Url, "/twilio/answer?runId=run-1")
		require.NotNil(t, params.MachineDetection)
		assert.Equal(t, "Enable", *params.MachineDetection)
	}

	for _, c := range calls {
		got, err := st.GetCall(context.Background(), runID, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStateDialing, got.State)
		assert.NotEmpty(t, got.ProviderCallSID)

		gotRun, gotCall, err := sidIndex.Lookup(context.Background(), got.ProviderCallSID)
		require.NoError(t, err)
		assert.Equal(t, runID, gotRun)
		assert.Equal(t, c.ID, gotCall)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	st := store.NewMemoryStore()
	carrier := &fakeCarrier{failFor: map[string]error{
		"+15550100001": errors.New("carrier rejected"),
	}}
	d := newWithAPI(st, store.NewMemorySIDIndex(), staticURLs{"https://calls.example.com"}, carrier, "+15550009999", "+1", 100)

	runID, calls := seedRun(t, st, []domain.Lead{
		{ID: "l1", Name: "Rejected Inc", Phone: "5550100001"},
		{ID: "l2", Name: "Fine Inc", Phone: "5550100002"},
	})

	require.NoError(t, d.Dispatch(context.Background(), runID, calls))
	d.Wait()

	failed, err := st.GetCall(context.Background(), runID, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, failed.State)
	assert.NotNil(t, failed.EndedAt)

	ok, err := st.GetCall(context.Background(), runID, "call-2")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateDialing, ok.State)
}

func TestDispatchRejectsBadPhoneWithoutDialing(t *testing.T) {
	st := store.NewMemoryStore()
	carrier := &fakeCarrier{}
	d := newWithAPI(st, store.NewMemorySIDIndex(), staticURLs{"https://calls.example.com"}, carrier, "+15550009999", "+1", 100)

	runID, calls := seedRun(t, st, []domain.Lead{
		{ID: "l1", Name: "No Phone LLC", Phone: "n/a"},
	})

	require.NoError(t, d.Dispatch(context.Background(), runID, calls))
	d.Wait()

	assert.Empty(t, carrier.created)
	got, err := st.GetCall(context.Background(), runID, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, got.State)
}

func TestEndCallCompletesCarrierLeg(t *testing.T) {
	carrier := &fakeCarrier{}
	d := newWithAPI(store.NewMemoryStore(), nil, staticURLs{""}, carrier, "+15550009999", "+1", 100)

	require.NoError(t, d.EndCall(context.Background(), "CA-live-1"))
	assert.Equal(t, []string{"CA-live-1"}, carrier.updated)
}

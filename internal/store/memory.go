package store

import (
	"context"
	"sync"
	"time"

	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/jinzhu/copier"
)

type callKey struct {
	runID  string
	callID string
}

// MemoryStore is the default backend: a process-local, mutex-guarded map
// store. Every read hands out a deep copy so callers never alias store-owned
// state.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*domain.Run
	calls    map[callKey]*domain.Call
	sidIndex map[string]callKey
	runOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*domain.Run),
		calls:    make(map[callKey]*domain.Call),
		sidIndex: make(map[string]callKey),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &domain.Run{}
	if err := copier.CopyWithOption(stored, run, copier.Option{DeepCopy: true}); err != nil {
		return err
	}
	if stored.Status == "" {
		stored.Status = domain.RunStatusSearching
	}
	now := time.Now()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Calls = nil
	s.runs[stored.ID] = stored
	s.runOrder = append(s.runOrder, stored.ID)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotRun(runID)
}

// snapshotRun must be called with at least the read lock held.
func (s *MemoryStore) snapshotRun(runID string) (*domain.Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := &domain.Run{}
	if err := copier.CopyWithOption(out, run, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	out.Calls = make([]*domain.Call, 0, len(run.CallIDs))
	for _, callID := range run.CallIDs {
		if call, ok := s.calls[callKey{runID, callID}]; ok {
			c := &domain.Call{}
			if err := copier.CopyWithOption(c, call, copier.Option{DeepCopy: true}); err != nil {
				return nil, err
			}
			out.Calls = append(out.Calls, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Run, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		run, err := s.snapshotRun(id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *MemoryStore) SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateCall(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[call.RunID]
	if !ok {
		return ErrRunNotFound
	}
	stored := &domain.Call{}
	if err := copier.CopyWithOption(stored, call, copier.Option{DeepCopy: true}); err != nil {
		return err
	}
	if stored.State == "" {
		stored.State = domain.CallStateIdle
	}
	if stored.Sentiment == "" {
		stored.Sentiment = domain.SentimentNeutral
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.calls[callKey{call.RunID, call.ID}] = stored
	run.CallIDs = append(run.CallIDs, call.ID)
	if stored.ProviderCallSID != "" {
		s.sidIndex[stored.ProviderCallSID] = callKey{call.RunID, call.ID}
	}
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, runID, callID string) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotCall(callKey{runID, callID})
}

// snapshotCall must be called with at least the read lock held.
func (s *MemoryStore) snapshotCall(key callKey) (*domain.Call, error) {
	call, ok := s.calls[key]
	if !ok {
		return nil, ErrCallNotFound
	}
	out := &domain.Call{}
	if err := copier.CopyWithOption(out, call, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) FindCallBySID(ctx context.Context, sid string) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.sidIndex[sid]
	if !ok {
		return nil, ErrCallNotFound
	}
	return s.snapshotCall(key)
}

func (s *MemoryStore) AttachCallSID(ctx context.Context, runID, callID, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey{runID, callID}
	call, ok := s.calls[key]
	if !ok {
		return ErrCallNotFound
	}
	// Last attach wins: drop the call's previous binding, and strip the SID
	// from any other call holding it, so SID lookups stay bijective at any
	// instant.
	if call.ProviderCallSID != "" && call.ProviderCallSID != sid {
		delete(s.sidIndex, call.ProviderCallSID)
	}
	if prev, bound := s.sidIndex[sid]; bound && prev != key {
		if prevCall, exists := s.calls[prev]; exists {
			prevCall.ProviderCallSID = ""
		}
	}
	call.ProviderCallSID = sid
	call.UpdatedAt = time.Now()
	s.sidIndex[sid] = key
	return nil
}

func (s *MemoryStore) TransitionCall(ctx context.Context, runID, callID string, tr Transition) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey{runID, callID}
	call, ok := s.calls[key]
	if !ok {
		return nil, ErrCallNotFound
	}
	applyTransition(call, tr, time.Now())
	s.recomputeRunStatus(runID)
	return s.snapshotCall(key)
}

// recomputeRunStatus must be called with the write lock held.
func (s *MemoryStore) recomputeRunStatus(runID string) {
	run, ok := s.runs[runID]
	if !ok {
		return
	}
	status := domain.RunStatusCompleted
	if len(run.CallIDs) == 0 {
		return
	}
	for _, callID := range run.CallIDs {
		call, ok := s.calls[callKey{runID, callID}]
		if !ok || !call.State.Terminal() {
			status = domain.RunStatusCalling
			break
		}
	}
	if run.Status != status {
		run.Status = status
		run.UpdatedAt = time.Now()
	}
}

func (s *MemoryStore) AppendTurn(ctx context.Context, runID, callID string, turn *domain.TranscriptTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callKey{runID, callID}]
	if !ok {
		return ErrCallNotFound
	}
	stored := *turn
	stored.CallID = callID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	call.Transcript = append(call.Transcript, stored)
	call.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Conversation(ctx context.Context, runID, callID string) ([]domain.TranscriptTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[callKey{runID, callID}]
	if !ok {
		return nil, ErrCallNotFound
	}
	out := make([]domain.TranscriptTurn, len(call.Transcript))
	copy(out, call.Transcript)
	return out, nil
}

func (s *MemoryStore) SetListening(ctx context.Context, runID, callID string, v bool) error {
	return s.updateCall(runID, callID, func(c *domain.Call) { c.IsListening = v })
}

func (s *MemoryStore) SetTakenOver(ctx context.Context, runID, callID string, v bool) error {
	return s.updateCall(runID, callID, func(c *domain.Call) { c.IsTakenOver = v })
}

func (s *MemoryStore) SetSentiment(ctx context.Context, runID, callID string, sent domain.Sentiment) error {
	return s.updateCall(runID, callID, func(c *domain.Call) { c.Sentiment = sent })
}

func (s *MemoryStore) MergeExtracted(ctx context.Context, runID, callID string, data *domain.ExtractedData) error {
	return s.updateCall(runID, callID, func(c *domain.Call) {
		if c.Extracted == nil {
			c.Extracted = &domain.ExtractedData{}
		}
		mergeExtracted(c.Extracted, data)
	})
}

func (s *MemoryStore) updateCall(runID, callID string, fn func(*domain.Call)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callKey{runID, callID}]
	if !ok {
		return ErrCallNotFound
	}
	fn(call)
	call.UpdatedAt = time.Now()
	return nil
}

func mergeExtracted(dst, src *domain.ExtractedData) {
	if src == nil {
		return
	}
	if src.Price != "" {
		dst.Price = src.Price
	}
	if src.Availability != "" {
		dst.Availability = src.Availability
	}
	if src.Notes != "" {
		dst.Notes = src.Notes
	}
	if src.Hours != "" {
		dst.Hours = src.Hours
	}
	if src.Insurance != "" {
		dst.Insurance = src.Insurance
	}
	if len(src.SKUs) > 0 {
		dst.SKUs = append(dst.SKUs, src.SKUs...)
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Package store holds the authoritative state for runs and calls. Both
// backends (in-memory and postgres) implement the same interface so the
// call-flow controller never knows which one it is talking to.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/callscout-ai/voice-service/internal/domain"
)

var (
	ErrRunNotFound  = errors.New("store: run not found")
	ErrCallNotFound = errors.New("store: call not found")
)

// Transition describes a requested call state change. DurationSeconds, when
// set, is the carrier-reported call duration and wins over the derived one.
type Transition struct {
	State           domain.CallState
	DurationSeconds *int
}

// Store is the authoritative call state backend.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context) ([]*domain.Run, error)
	SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error

	CreateCall(ctx context.Context, call *domain.Call) error
	GetCall(ctx context.Context, runID, callID string) (*domain.Call, error)
	FindCallBySID(ctx context.Context, sid string) (*domain.Call, error)
	AttachCallSID(ctx context.Context, runID, callID, sid string) error

	// TransitionCall applies the FSM transition guard and returns the updated
	// call. Transitioning an already-terminal call is a no-op, not an error.
	TransitionCall(ctx context.Context, runID, callID string, tr Transition) (*domain.Call, error)

	AppendTurn(ctx context.Context, runID, callID string, turn *domain.TranscriptTurn) error
	Conversation(ctx context.Context, runID, callID string) ([]domain.TranscriptTurn, error)

	SetListening(ctx context.Context, runID, callID string, v bool) error
	SetTakenOver(ctx context.Context, runID, callID string, v bool) error
	SetSentiment(ctx context.Context, runID, callID string, s domain.Sentiment) error
	MergeExtracted(ctx context.Context, runID, callID string, data *domain.ExtractedData) error

	Ping(ctx context.Context) error
	Close() error
}

// applyTransition mutates call in place per the FSM guard and reports whether
// anything changed. endedAt is stamped exactly once, on the first entry into
// a terminal state; an explicit carrier duration always wins over the derived
// endedAt-startedAt value, even when it arrives after local termination.
func applyTransition(call *domain.Call, tr Transition, now time.Time) bool {
	if call.State.Terminal() {
		if tr.State.Terminal() && tr.DurationSeconds != nil && call.DurationSeconds != *tr.DurationSeconds {
			call.DurationSeconds = *tr.DurationSeconds
			call.UpdatedAt = now
			return true
		}
		return false
	}

	changed := call.State != tr.State
	call.State = tr.State

	if tr.State == domain.CallStateConnected && call.StartedAt == nil {
		t := now
		call.StartedAt = &t
		changed = true
	}

	if tr.State.Terminal() && call.EndedAt == nil {
		t := now
		call.EndedAt = &t
		switch {
		case tr.DurationSeconds != nil:
			call.DurationSeconds = *tr.DurationSeconds
		case call.StartedAt != nil:
			call.DurationSeconds = int(t.Sub(*call.StartedAt) / time.Second)
		}
		changed = true
	}

	if changed {
		call.UpdatedAt = now
	}
	return changed
}

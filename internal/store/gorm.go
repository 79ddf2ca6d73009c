package store

import (
	"context"
	"errors"
	"time"

	"github.com/callscout-ai/voice-service/internal/domain"
	pkglogger "github.com/callscout-ai/voice-service/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glogger "gorm.io/gorm/logger"
)

// GormStore is the durable postgres backend. Transcript turns live in their
// own table; run status is recomputed inside the same transaction as every
// call transition so the derived-status invariant holds after commit.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore connects to postgres, runs migrations and returns the store.
func OpenGormStore(dsn string) (*GormStore, error) {
	gormLogger := glogger.New(pkglogger.NewGORMWriter(), glogger.Config{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      glogger.Error,
	})

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&domain.Run{}, &domain.Call{}, &domain.TranscriptTurn{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.Status == "" {
		run.Status = domain.RunStatusSearching
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *GormStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.loadRun(s.db.WithContext(ctx), runID)
}

func (s *GormStore) loadRun(tx *gorm.DB, runID string) (*domain.Run, error) {
	var run domain.Run
	if err := tx.First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	calls, err := s.loadCalls(tx, runID, run.CallIDs)
	if err != nil {
		return nil, err
	}
	run.Calls = calls
	return &run, nil
}

// loadCalls returns the run's calls, transcripts attached, in run order.
func (s *GormStore) loadCalls(tx *gorm.DB, runID string, order []string) ([]*domain.Call, error) {
	var calls []*domain.Call
	if err := tx.Where("run_id = ?", runID).Find(&calls).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Call, len(calls))
	for _, c := range calls {
		var turns []domain.TranscriptTurn
		if err := tx.Where("call_id = ?", c.ID).Order("timestamp asc, t0_ms asc").Find(&turns).Error; err != nil {
			return nil, err
		}
		c.Transcript = turns
		byID[c.ID] = c
	}
	ordered := make([]*domain.Call, 0, len(calls))
	for _, id := range order {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

func (s *GormStore) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	var runs []*domain.Run
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&runs).Error; err != nil {
		return nil, err
	}
	for _, run := range runs {
		calls, err := s.loadCalls(s.db.WithContext(ctx), run.ID, run.CallIDs)
		if err != nil {
			return nil, err
		}
		run.Calls = calls
	}
	return runs, nil
}

func (s *GormStore) SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	res := s.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", runID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *GormStore) CreateCall(ctx context.Context, call *domain.Call) error {
	if call.State == "" {
		call.State = domain.CallStateIdle
	}
	if call.Sentiment == "" {
		call.Sentiment = domain.SentimentNeutral
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.Run
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, "id = ?", call.RunID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		if err := tx.Create(call).Error; err != nil {
			return err
		}
		run.CallIDs = append(run.CallIDs, call.ID)
		return tx.Model(&run).Update("call_ids", run.CallIDs).Error
	})
}

func (s *GormStore) GetCall(ctx context.Context, runID, callID string) (*domain.Call, error) {
	return s.loadCall(s.db.WithContext(ctx), runID, callID, false)
}

func (s *GormStore) loadCall(tx *gorm.DB, runID, callID string, forUpdate bool) (*domain.Call, error) {
	var call domain.Call
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&call, "id = ? AND run_id = ?", callID, runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	var turns []domain.TranscriptTurn
	if err := tx.Where("call_id = ?", callID).Order("timestamp asc, t0_ms asc").Find(&turns).Error; err != nil {
		return nil, err
	}
	call.Transcript = turns
	return &call, nil
}

func (s *GormStore) FindCallBySID(ctx context.Context, sid string) (*domain.Call, error) {
	var call domain.Call
	err := s.db.WithContext(ctx).First(&call, "provider_call_sid = ?", sid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.loadCall(s.db.WithContext(ctx), call.RunID, call.ID, false)
}

func (s *GormStore) AttachCallSID(ctx context.Context, runID, callID, sid string) error {
	// A SID maps to at most one call; rebinding steals it from any prior
	// holder inside the same transaction.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Call{}).
			Where("provider_call_sid = ? AND id <> ?", sid, callID).
			Update("provider_call_sid", "").Error; err != nil {
			return err
		}
		res := tx.Model(&domain.Call{}).
			Where("id = ? AND run_id = ?", callID, runID).
			Update("provider_call_sid", sid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCallNotFound
		}
		return nil
	})
}

func (s *GormStore) TransitionCall(ctx context.Context, runID, callID string, tr Transition) (*domain.Call, error) {
	var out *domain.Call
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		call, err := s.loadCall(tx, runID, callID, true)
		if err != nil {
			return err
		}
		if applyTransition(call, tr, time.Now()) {
			if err := tx.Model(call).Select("state", "started_at", "ended_at", "duration_seconds", "updated_at").Updates(call).Error; err != nil {
				return err
			}
		}
		out = call
		return s.recomputeRunStatus(tx, runID)
	})
	return out, err
}

func (s *GormStore) recomputeRunStatus(tx *gorm.DB, runID string) error {
	var nonTerminal int64
	err := tx.Model(&domain.Call{}).
		Where("run_id = ? AND state NOT IN ?", runID,
			[]domain.CallState{domain.CallStateCompleted, domain.CallStateFailed, domain.CallStateVoicemail}).
		Count(&nonTerminal).Error
	if err != nil {
		return err
	}
	status := domain.RunStatusCompleted
	if nonTerminal > 0 {
		status = domain.RunStatusCalling
	}
	return tx.Model(&domain.Run{}).Where("id = ?", runID).Update("status", status).Error
}

func (s *GormStore) AppendTurn(ctx context.Context, runID, callID string, turn *domain.TranscriptTurn) error {
	turn.CallID = callID
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	return s.db.WithContext(ctx).Create(turn).Error
}

func (s *GormStore) Conversation(ctx context.Context, runID, callID string) ([]domain.TranscriptTurn, error) {
	call, err := s.loadCall(s.db.WithContext(ctx), runID, callID, false)
	if err != nil {
		return nil, err
	}
	return call.Transcript, nil
}

func (s *GormStore) SetListening(ctx context.Context, runID, callID string, v bool) error {
	return s.updateCallColumn(ctx, runID, callID, "is_listening", v)
}

func (s *GormStore) SetTakenOver(ctx context.Context, runID, callID string, v bool) error {
	return s.updateCallColumn(ctx, runID, callID, "is_taken_over", v)
}

func (s *GormStore) SetSentiment(ctx context.Context, runID, callID string, sent domain.Sentiment) error {
	return s.updateCallColumn(ctx, runID, callID, "sentiment", sent)
}

func (s *GormStore) MergeExtracted(ctx context.Context, runID, callID string, data *domain.ExtractedData) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		call, err := s.loadCall(tx, runID, callID, true)
		if err != nil {
			return err
		}
		if call.Extracted == nil {
			call.Extracted = &domain.ExtractedData{}
		}
		mergeExtracted(call.Extracted, data)
		return tx.Model(call).Update("extracted_data", call.Extracted).Error
	})
}

func (s *GormStore) updateCallColumn(ctx context.Context, runID, callID, column string, value interface{}) error {
	res := s.db.WithContext(ctx).Model(&domain.Call{}).
		Where("id = ? AND run_id = ?", callID, runID).
		Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

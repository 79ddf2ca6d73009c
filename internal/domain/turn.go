package domain

import "time"

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerAI    Speaker = "ai"
	SpeakerHuman Speaker = "human"
)

// Role maps a speaker to the chat-completion role used when the transcript
// is replayed into the reply generator.
func (s Speaker) Role() string {
	if s == SpeakerAI {
		return "assistant"
	}
	return "user"
}

// TranscriptTurn is one utterance in a call. Turns are append-only and are
// never mutated or deleted once created.
type TranscriptTurn struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey"`
	CallID    string    `json:"-" gorm:"column:call_id;index"`
	Speaker   Speaker   `json:"speaker" gorm:"column:speaker"`
	Text      string    `json:"text" gorm:"column:text"`
	Timestamp time.Time `json:"timestamp" gorm:"column:timestamp"`
	// T0Ms/T1Ms are offsets relative to the call connecting, for the UI
	// timeline rendering.
	T0Ms int64 `json:"t0_ms" gorm:"column:t0_ms"`
	T1Ms int64 `json:"t1_ms" gorm:"column:t1_ms"`
}

func (TranscriptTurn) TableName() string {
	return "transcript_turns"
}

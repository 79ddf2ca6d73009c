package domain

import (
	"strings"
	"time"
)

// CallState is the lifecycle state of a single outbound call.
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateDialing   CallState = "dialing"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateVoicemail CallState = "voicemail"
	CallStateCompleted CallState = "completed"
	CallStateFailed    CallState = "failed"
)

// Terminal reports whether the state ends the call for run-status purposes.
// Voicemail counts as terminal; the UI may later promote it to completed.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateVoicemail, CallStateCompleted, CallStateFailed:
		return true
	}
	return false
}

// carrierStatusMap translates Twilio call status strings to call states.
var carrierStatusMap = map[string]CallState{
	"queued":      CallStateDialing,
	"initiated":   CallStateDialing,
	"ringing":     CallStateRinging,
	"in-progress": CallStateConnected,
	"answered":    CallStateConnected,
	"completed":   CallStateCompleted,
	"failed":      CallStateFailed,
	"busy":        CallStateFailed,
	"no-answer":   CallStateFailed,
	"canceled":    CallStateFailed,
}

// StateFromCarrierStatus maps a carrier status callback to a call state. An
// answering-machine signal wins over the status text. The second return is
// false when the status is unknown.
func StateFromCarrierStatus(status, answeredBy string) (CallState, bool) {
	if strings.HasPrefix(strings.ToLower(answeredBy), "machine") {
		return CallStateVoicemail, true
	}
	state, ok := carrierStatusMap[strings.ToLower(strings.TrimSpace(status))]
	return state, ok
}

// Sentiment is the overall tone of the conversation, filled in by post-call
// enrichment.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Lead is the snapshot of the business being called, frozen into the call at
// creation time so later lead edits never change call history.
type Lead struct {
	ID          string  `json:"id" gorm:"column:id"`
	Name        string  `json:"name" gorm:"column:name"`
	Phone       string  `json:"phone" gorm:"column:phone"`
	Rating      float64 `json:"rating,omitempty" gorm:"column:rating"`
	Source      string  `json:"source,omitempty" gorm:"column:source"`
	Description string  `json:"description,omitempty" gorm:"column:description"`
	Address     string  `json:"address,omitempty" gorm:"column:address"`
}

// ExtractedData holds sparse business facts pulled out of the conversation.
type ExtractedData struct {
	Price        string   `json:"price,omitempty"`
	Availability string   `json:"availability,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Hours        string   `json:"hours,omitempty"`
	Insurance    string   `json:"insurance,omitempty"`
	SKUs         []string `json:"skus,omitempty"`
}

// Call is one outbound phone attempt to a single lead. It is exclusively
// owned by its Run; the carrier call SID is attached after dispatch and is
// the only external correlation key back into the store.
type Call struct {
	ID              string           `json:"id" gorm:"column:id;primaryKey"`
	RunID           string           `json:"runId" gorm:"column:run_id;index"`
	LeadID          string           `json:"leadId" gorm:"column:lead_id"`
	Lead            Lead             `json:"lead" gorm:"embedded;embeddedPrefix:lead_"`
	ProviderCallSID string           `json:"providerCallSid,omitempty" gorm:"column:provider_call_sid;index"`
	State           CallState        `json:"state" gorm:"column:state"`
	StartedAt       *time.Time       `json:"startedAt,omitempty" gorm:"column:started_at"`
	EndedAt         *time.Time       `json:"endedAt,omitempty" gorm:"column:ended_at"`
	DurationSeconds int              `json:"duration" gorm:"column:duration_seconds"`
	Transcript      []TranscriptTurn `json:"transcript" gorm:"-"`
	Sentiment       Sentiment        `json:"sentiment" gorm:"column:sentiment"`
	IsListening     bool             `json:"isListening" gorm:"column:is_listening"`
	IsTakenOver     bool             `json:"isTakenOver" gorm:"column:is_taken_over"`
	Extracted       *ExtractedData   `json:"extractedData,omitempty" gorm:"column:extracted_data;serializer:json"`
	CreatedAt       time.Time        `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt       time.Time        `json:"updatedAt" gorm:"column:updated_at"`
}

func (Call) TableName() string {
	return "calls"
}

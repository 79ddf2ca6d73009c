package config

import "time"

// Config holds the service configuration loaded from the environment by
// cmd/server. Only the call-flow tunables have package-level defaults; the
// rest is deployment specific.
type Config struct {
	Port          string
	PublicBaseURL string // externally reachable base URL for carrier webhooks
	StreamBaseURL string // wss:// base URL for carrier media streams; empty disables streaming

	// Twilio credentials for the outbound dispatcher.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Reply generator upstream.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Optional durable store. Empty selects the in-memory store.
	DatabaseURL string

	// Optional redis for the carrier SID index.
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Optional HS256 secret protecting the run API and operator endpoints.
	OperatorSecret string

	// Country prefix assumed when a lead's number has no international prefix.
	DefaultCountryPrefix string

	Flow FlowConfig
}

// FlowConfig carries the call-flow policy knobs. The defaults are the
// canonical set; tests construct these directly.
type FlowConfig struct {
	// ConfidenceThreshold is the minimum recognizer confidence below which a
	// transcript is discarded as noise.
	ConfidenceThreshold float64

	// MaxConversationTurns ends the call once this many human/ai exchanges
	// have happened, regardless of content.
	MaxConversationTurns int

	// LongConversationTurns is the exchange count past which a generator
	// failure degrades to a goodbye instead of a re-prompt.
	LongConversationTurns int

	// FallbackRepeatLimit forces termination once the canned fallback reply
	// has been the last N assistant turns in a row.
	FallbackRepeatLimit int

	// ReplyAttempts is the total number of generator attempts (first try plus
	// retries) before degrading to a canned reply.
	ReplyAttempts int

	// ReplyRetryDelay is the linear backoff unit between generator attempts.
	ReplyRetryDelay time.Duration

	// SpeakingRateCharsPerSec estimates how long the carrier will spend
	// speaking a reply, to size the following listen window.
	SpeakingRateCharsPerSec int

	// ListenTimeoutFloor is the minimum listen window handed to the carrier.
	ListenTimeoutFloor time.Duration
}

// DefaultFlowConfig returns the canonical call-flow policy.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		ConfidenceThreshold:     0.3,
		MaxConversationTurns:    10,
		LongConversationTurns:   5,
		FallbackRepeatLimit:     2,
		ReplyAttempts:           3,
		ReplyRetryDelay:         500 * time.Millisecond,
		SpeakingRateCharsPerSec: 15,
		ListenTimeoutFloor:      5 * time.Second,
	}
}

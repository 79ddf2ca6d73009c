// Package reply is the boundary to the conversation brain. The call-flow
// controller only sees the Generator interface; the default implementation
// talks to an OpenAI-compatible chat completions endpoint.
package reply

import (
	"context"

	"github.com/callscout-ai/voice-service/internal/domain"
)

// Message is one prior utterance handed to the generator, in chat roles.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the generator's next line plus whether the conversation is done.
type Reply struct {
	Text      string
	Terminate bool
}

// Generator produces the AI's next line given the script config, the full
// conversation history and the callee's last utterance.
type Generator interface {
	Generate(ctx context.Context, prep domain.CallPrep, history []Message, lastUtterance string) (Reply, error)
}

// HistoryFromTranscript converts stored transcript turns into generator
// messages, mapping speakers to chat roles.
func HistoryFromTranscript(turns []domain.TranscriptTurn) []Message {
	out := make([]Message, 0, len(turns))
	for _, turn := range turns {
		out = append(out, Message{Role: turn.Speaker.Role(), Content: turn.Text})
	}
	return out
}

// Package broker fans carrier media-stream audio out to listening operator
// websockets. The carrier leg is the producer; any number of listeners can
// attach and detach while the call is live.
package broker

import (
	"encoding/json"
	"fmt"
)

// Frame events as sent by the carrier media stream.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// MediaFormat describes the audio encoding of a stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartPayload is the body of the stream's opening frame.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64 audio chunk.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// Frame is one message on the carrier media-stream websocket.
type Frame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
}

// ParseFrame decodes a carrier frame, rejecting unknown events and frames
// missing their event-specific body.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("broker: malformed frame: %w", err)
	}
	switch f.Event {
	case EventConnected, EventStop, EventMark:
	case EventStart:
		if f.Start == nil {
			return nil, fmt.Errorf("broker: start frame without start body")
		}
	case EventMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return nil, fmt.Errorf("broker: media frame without payload")
		}
	default:
		return nil, fmt.Errorf("broker: unknown frame event %q", f.Event)
	}
	return &f, nil
}

// Envelope is what listeners receive: the carrier frame tagged with the call
// it belongs to.
type Envelope struct {
	Type   string        `json:"type"`
	CallID string        `json:"callId"`
	Start  *StartPayload `json:"start,omitempty"`
	Media  *MediaPayload `json:"media,omitempty"`
}

func envelopeFor(callID string, f *Frame) Envelope {
	return Envelope{
		Type:   f.Event,
		CallID: callID,
		Start:  f.Start,
		Media:  f.Media,
	}
}

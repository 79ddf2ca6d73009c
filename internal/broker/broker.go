package broker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/callscout-ai/voice-service/pkg/logger"
)

// Listener is one attached audio consumer. *websocket.Conn satisfies it.
type Listener interface {
	WriteJSON(v any) error
	Close() error
}

// Broker is the per-call fan-out registry. Writes to a dead listener prune
// it; a slow or broken listener never blocks the carrier leg or its
// siblings.
type Broker struct {
	mu        sync.RWMutex
	listeners map[string]map[Listener]struct{}
	// starts caches each call's opening frame so listeners attaching
	// mid-call still learn the stream format.
	starts map[string]*StartPayload
}

func New() *Broker {
	return &Broker{
		listeners: make(map[string]map[Listener]struct{}),
		starts:    make(map[string]*StartPayload),
	}
}

// carrierMediaFormat is the fixed encoding of carrier media streams.
var carrierMediaFormat = MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1}

// Attach registers a listener for a call's audio and immediately sends it a
// start envelope: the cached carrier start when the stream is already live,
// a synthesized one otherwise, so the listener can set up its decoder before
// the first media frame. Attaching the same listener twice is a no-op.
func (b *Broker) Attach(callID string, l Listener) {
	b.mu.Lock()
	set, ok := b.listeners[callID]
	if !ok {
		set = make(map[Listener]struct{})
		b.listeners[callID] = set
	}
	if _, dup := set[l]; dup {
		b.mu.Unlock()
		return
	}
	set[l] = struct{}{}
	start := b.starts[callID]
	b.mu.Unlock()

	if start == nil {
		start = &StartPayload{MediaFormat: carrierMediaFormat}
	}
	if err := l.WriteJSON(Envelope{Type: EventStart, CallID: callID, Start: start}); err != nil {
		b.Detach(callID, l)
		_ = l.Close()
		return
	}
	logger.L().Debug("audio listener attached", zap.String("call_id", callID))
}

// Detach removes a listener without closing it.
func (b *Broker) Detach(callID string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.listeners[callID]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(b.listeners, callID)
		}
	}
}

// ListenerCount reports how many listeners a call currently has.
func (b *Broker) ListenerCount(callID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[callID])
}

// HandleCarrierFrame ingests one raw frame from the carrier media stream.
// Malformed frames are logged and dropped; the stream keeps going.
func (b *Broker) HandleCarrierFrame(callID string, raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		logger.L().Warn("dropping carrier frame",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}

	switch frame.Event {
	case EventConnected, EventMark:
		return
	case EventStart:
		b.mu.Lock()
		b.starts[callID] = frame.Start
		b.mu.Unlock()
		logger.L().Info("media stream started",
			zap.String("call_id", callID),
			zap.String("stream_sid", frame.Start.StreamSid))
	case EventStop:
		b.broadcast(callID, frame)
		b.EndStream(callID)
		return
	}
	b.broadcast(callID, frame)
}

// broadcast writes the frame to every listener, pruning the ones whose
// writes fail. The listener set is snapshotted first so writes happen
// outside the lock.
func (b *Broker) broadcast(callID string, frame *Frame) {
	b.mu.RLock()
	snapshot := make([]Listener, 0, len(b.listeners[callID]))
	for l := range b.listeners[callID] {
		snapshot = append(snapshot, l)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}
	env := envelopeFor(callID, frame)

	var dead []Listener
	for _, l := range snapshot {
		if err := l.WriteJSON(env); err != nil {
			dead = append(dead, l)
		}
	}
	for _, l := range dead {
		b.Detach(callID, l)
		_ = l.Close()
	}
	if len(dead) > 0 {
		logger.L().Debug("pruned dead audio listeners",
			zap.String("call_id", callID),
			zap.Int("count", len(dead)))
	}
}

// EndStream tears down a call's fan-out: every listener is closed and the
// cached start frame is dropped.
func (b *Broker) EndStream(callID string) {
	b.mu.Lock()
	set := b.listeners[callID]
	delete(b.listeners, callID)
	delete(b.starts, callID)
	b.mu.Unlock()

	for l := range set {
		_ = l.Close()
	}
	if len(set) > 0 {
		logger.L().Info("media stream ended",
			zap.String("call_id", callID),
			zap.Int("listeners_closed", len(set)))
	}
}

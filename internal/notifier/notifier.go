// Package notifier streams run snapshots to UI clients over server-sent
// events. Clients get the full run document whenever anything about it
// changes; diffing is the client's problem.
package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/pkg/logger"
)

type event struct {
	Type string      `json:"type"`
	Run  *domain.Run `json:"run"`
}

// Notifier polls the store and pushes a snapshot event each time the run's
// serialized form changes.
type Notifier struct {
	store store.Store

	// Interval is the store polling period.
	Interval time.Duration
	// KeepAlive is how often an SSE comment is sent while nothing changes,
	// so proxies do not reap the idle connection.
	KeepAlive time.Duration
}

func New(st store.Store) *Notifier {
	return &Notifier{
		store:     st,
		Interval:  time.Second,
		KeepAlive: 15 * time.Second,
	}
}

// StreamRun writes SSE events for runID until the client goes away or the
// run completes. The first snapshot is sent immediately.
func (n *Notifier) StreamRun(ctx context.Context, w http.ResponseWriter, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("notifier: response writer is not flushable")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastSig [sha256.Size]byte
	send := func() (done bool, err error) {
		run, err := n.store.GetRun(ctx, runID)
		if err != nil {
			return true, err
		}
		payload, err := json.Marshal(event{Type: "snapshot", Run: run})
		if err != nil {
			return true, err
		}
		sig := sha256.Sum256(payload)
		if sig == lastSig {
			return false, nil
		}
		lastSig = sig
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return true, err
		}
		flusher.Flush()
		return run.Status == domain.RunStatusCompleted, nil
	}

	if done, err := send(); err != nil || done {
		return err
	}

	ticker := time.NewTicker(n.Interval)
	defer ticker.Stop()
	keepAlive := time.NewTicker(n.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.L().Debug("snapshot stream client gone", zap.String("run_id", runID))
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			done, err := send()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/callscout-ai/voice-service/pkg/redis"
)

var ErrSIDNotBound = errors.New("store: carrier sid not bound")

// SIDIndex maps a carrier call SID to its run/call identifiers. Webhooks
// carry runId/callId in the URL, so this index only serves callbacks that
// arrive with nothing but a SID (and lets any instance resolve them when the
// service runs horizontally).
type SIDIndex interface {
	Bind(ctx context.Context, sid, runID, callID string) error
	Lookup(ctx context.Context, sid string) (runID, callID string, err error)
}

// MemorySIDIndex is the single-instance fallback.
type MemorySIDIndex struct {
	mu sync.RWMutex
	m  map[string]callKey
}

func NewMemorySIDIndex() *MemorySIDIndex {
	return &MemorySIDIndex{m: make(map[string]callKey)}
}

func (i *MemorySIDIndex) Bind(ctx context.Context, sid, runID, callID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[sid] = callKey{runID, callID}
	return nil
}

func (i *MemorySIDIndex) Lookup(ctx context.Context, sid string) (string, string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	key, ok := i.m[sid]
	if !ok {
		return "", "", ErrSIDNotBound
	}
	return key.runID, key.callID, nil
}

// RedisSIDIndex shares bindings across instances through redis. Entries
// expire on their own; a call never outlives the TTL.
type RedisSIDIndex struct {
	svc redis.RedisServiceInterface
	ttl time.Duration
}

func NewRedisSIDIndex(svc redis.RedisServiceInterface) *RedisSIDIndex {
	return &RedisSIDIndex{svc: svc, ttl: 24 * time.Hour}
}

func (i *RedisSIDIndex) Bind(ctx context.Context, sid, runID, callID string) error {
	key := i.svc.GenerateKey(redis.CARRIER_SID, sid)
	return i.svc.SetValue(ctx, key, runID+"/"+callID, i.ttl)
}

func (i *RedisSIDIndex) Lookup(ctx context.Context, sid string) (string, string, error) {
	key := i.svc.GenerateKey(redis.CARRIER_SID, sid)
	val, err := i.svc.GetValue(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return "", "", ErrSIDNotBound
		}
		return "", "", err
	}
	parts := strings.SplitN(val, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("store: malformed sid binding %q", val)
	}
	return parts[0], parts[1], nil
}

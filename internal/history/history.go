// Package history maintains the bounded, time-windowed per-(upstream,model)
// request outcome log (C2) that the selector reads for weighting and
// circuit-breaking, and that the relay appends to after every forward.
package history

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/unigw/uniproxy/internal/kv"
)

const (
	// MaxRecords bounds every HistoryWindow to its 50 newest records.
	MaxRecords = 50
	// MaxAge drops any record older than 72h from a window on append.
	MaxAge = 72 * time.Hour
	// keyTTL is the KV TTL applied to a persisted window; it matches MaxAge
	// since nothing older than that is ever kept anyway.
	keyTTL = MaxAge
)

// Record is one completed forward's outcome.
type Record struct {
	RequestID      string `json:"request_id"`
	RequestTime    int64  `json:"request_time"` // ms since epoch
	RequestSuccess bool   `json:"request_success"`
	FirstTokenRT   int64  `json:"first_token_rt"` // ms, -1 if none
	IsStreaming    bool   `json:"is_streaming"`
	RequestType    string `json:"request_type"`
}

// NewRecordID returns a fresh unique request id for a RequestRecord.
func NewRecordID() string {
	return uuid.NewString()
}

// Window is an ordered, newest-first sequence of Record. It is never mutated
// in place; Append returns a new Window.
type Window []Record

// Key derives the deterministic, fixed-length, opaque KV key for a
// (upstream-id, actual-model) pair, matching the original service's
// request_r_<hex md5> scheme.
func Key(upstreamID, actualModel string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%s", upstreamID, actualModel)))
	return "request_r_" + hex.EncodeToString(sum[:])
}

// Log is the History Log component (C2): it knows how to serialize windows,
// trim them, and persist/load them through a kv.Store.
type Log struct {
	store  kv.Store
	local  kv.Store // fallback used when store writes fail
	logger *slog.Logger
}

// New builds a Log. local is used as a silent fallback when a write to store
// fails.
func New(store, local kv.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, local: local, logger: logger}
}

// Append prepends record to prior, drops records older than MaxAge relative
// to now, truncates to MaxRecords, persists the result with a 72h TTL, and
// returns the new window. On a store write failure it falls back to the
// local backend rather than returning an error, since history is advisory.
func (l *Log) Append(ctx context.Context, key string, record Record, prior Window, now time.Time) Window {
	w := make(Window, 0, len(prior)+1)
	w = append(w, record)
	cutoff := now.Add(-MaxAge).UnixMilli()
	for _, r := range prior {
		if r.RequestTime < cutoff {
			continue
		}
		w = append(w, r)
	}
	if len(w) > MaxRecords {
		w = w[:MaxRecords]
	}

	data, err := json.Marshal(w)
	if err != nil {
		l.logger.Error("marshal history window", "key", key, "error", err)
		return w
	}

	if err := l.store.Set(ctx, key, data, keyTTL); err != nil {
		l.logger.Warn("history store write failed, falling back to local", "key", key, "error", err)
		if l.local != nil {
			if lerr := l.local.Set(ctx, key, data, keyTTL); lerr != nil {
				l.logger.Error("history local fallback write failed", "key", key, "error", lerr)
			}
		}
	}
	return w
}

// BatchLoad loads windows for every key in one mget. Absent or unparseable
// entries map to an empty window rather than failing the whole batch, since
// a malformed or missing history must never block selection.
func (l *Log) BatchLoad(ctx context.Context, keys []string) map[string]Window {
	out := make(map[string]Window, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	if len(keys) == 0 {
		return out
	}

	values, err := l.store.MGet(ctx, keys)
	if err != nil {
		l.logger.Warn("history batch load failed, treating as empty", "error", err)
		return out
	}

	for _, k := range keys {
		raw, ok := values[k]
		if !ok {
			continue
		}
		var w Window
		if err := json.Unmarshal(raw, &w); err != nil {
			l.logger.Warn("history window decode failed, treating as empty", "key", k, "error", err)
			continue
		}
		out[k] = w
	}
	return out
}

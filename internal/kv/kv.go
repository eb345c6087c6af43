// Package kv abstracts the key-value storage the gateway uses for upstream
// configs, model mappings, and per-pair request history. It exposes a small
// interface with two backends: an in-process map (Local) and a Redis-backed
// remote service (Remote), with TTL support and batch reads, which the
// history log and config lists both need.
package kv

import (
	"context"
	"time"
)

// Store is the contract every KV backend implements. Absent keys are
// reported via the ok return rather than an error; only transport/backend
// failures are returned as errors so callers can choose to degrade.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	MGet(ctx context.Context, keys []string) (values map[string][]byte, err error)
	Delete(ctx context.Context, key string) error
}

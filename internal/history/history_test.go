package history

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/unigw/uniproxy/internal/kv"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("cfg-1", "gpt-x")
	b := Key("cfg-1", "gpt-x")
	if a != b {
		t.Fatalf("expected deterministic key, got %q vs %q", a, b)
	}
	if Key("cfg-1", "gpt-x") == Key("cfg-2", "gpt-x") {
		t.Fatal("expected different keys for different upstreams")
	}
}

func TestAppendBoundsByCountAndAge(t *testing.T) {
	store := kv.NewLocal()
	log := New(store, store, slog.Default())
	ctx := context.Background()
	now := time.Now()

	var w Window
	for i := 0; i < MaxRecords+10; i++ {
		w = log.Append(ctx, "k", Record{
			RequestID:      NewRecordID(),
			RequestTime:    now.UnixMilli(),
			RequestSuccess: true,
			FirstTokenRT:   100,
		}, w, now)
	}
	if len(w) != MaxRecords {
		t.Fatalf("expected window capped at %d, got %d", MaxRecords, len(w))
	}

	old := Record{RequestID: "old", RequestTime: now.Add(-100 * time.Hour).UnixMilli(), RequestSuccess: true}
	w2 := log.Append(ctx, "k2", Record{RequestID: "new", RequestTime: now.UnixMilli()}, Window{old}, now)
	if len(w2) != 1 {
		t.Fatalf("expected stale record dropped, got %d records", len(w2))
	}
}

func TestBatchLoadAbsentKeysAreEmpty(t *testing.T) {
	store := kv.NewLocal()
	log := New(store, store, slog.Default())
	ctx := context.Background()
	now := time.Now()

	w := log.Append(ctx, "present", Record{RequestID: "r1", RequestTime: now.UnixMilli()}, nil, now)
	if len(w) != 1 {
		t.Fatalf("setup failed: %v", w)
	}

	loaded := log.BatchLoad(ctx, []string{"present", "absent"})
	if len(loaded["present"]) != 1 {
		t.Fatalf("expected present key to round-trip, got %v", loaded["present"])
	}
	if len(loaded["absent"]) != 0 {
		t.Fatalf("expected absent key to map to empty window, got %v", loaded["absent"])
	}
}

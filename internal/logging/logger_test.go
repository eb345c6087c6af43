package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareGeneratesTraceIDWhenAbsent(t *testing.T) {
	var gotTraceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	Middleware(next).ServeHTTP(rec, req)

	if gotTraceID == "" {
		t.Fatal("expected a trace id to be injected into the request context")
	}
	if rec.Header().Get(traceHeader) != gotTraceID {
		t.Fatalf("response header %s = %q, want %q", traceHeader, rec.Header().Get(traceHeader), gotTraceID)
	}
}

func TestMiddlewarePreservesIncomingTraceID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(traceHeader, "caller-supplied-id")
	rec := httptest.NewRecorder()
	Middleware(next).ServeHTTP(rec, req)

	if got := rec.Header().Get(traceHeader); got != "caller-supplied-id" {
		t.Fatalf("trace header = %q, want the caller-supplied id to be echoed back", got)
	}
}

func TestMiddlewareRecordsStatusWrittenByHandler(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	Middleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNewTraceIDIsUnique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == b {
		t.Fatal("expected distinct trace ids across calls")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-char hex trace id, got %d chars", len(a))
	}
}

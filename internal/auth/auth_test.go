package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentifyAdminKey(t *testing.T) {
	g := New("admin-secret", []string{"tenant-1"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer admin-secret")
	scope, ok := g.Identify(r)
	if !ok || scope != ScopeAdmin {
		t.Fatalf("expected admin scope, got %v ok=%v", scope, ok)
	}
}

func TestIdentifyTenantKey(t *testing.T) {
	g := New("admin-secret", []string{"tenant-1"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer tenant-1")
	scope, ok := g.Identify(r)
	if !ok || scope != ScopeTenant {
		t.Fatalf("expected tenant scope, got %v ok=%v", scope, ok)
	}
}

func TestIdentifyUnknownKeyRejected(t *testing.T) {
	g := New("admin-secret", []string{"tenant-1"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer nonsense")
	_, ok := g.Identify(r)
	if ok {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestIdentifyMissingHeaderRejected(t *testing.T) {
	g := New("admin-secret", nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := g.Identify(r); ok {
		t.Fatal("expected missing header to be rejected")
	}
}

func TestRequireAdminRejectsTenantWithForbidden(t *testing.T) {
	g := New("admin-secret", []string{"tenant-1"})
	handler := g.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/admin", nil)
	r.Header.Set("Authorization", "Bearer tenant-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireAdminAcceptsCookie(t *testing.T) {
	g := New("admin-secret", nil)
	handler := g.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/admin", nil)
	r.AddCookie(&http.Cookie{Name: "auth_key", Value: "admin-secret"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireTenantRejectsUnauthorized(t *testing.T) {
	g := New("admin-secret", nil)
	handler := g.RequireTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

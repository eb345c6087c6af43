package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/unigw/uniproxy/internal/auth"
	"github.com/unigw/uniproxy/internal/catalog"
	"github.com/unigw/uniproxy/internal/gatewayconfig"
	"github.com/unigw/uniproxy/internal/history"
	"github.com/unigw/uniproxy/internal/kv"
	"github.com/unigw/uniproxy/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRouter(t *testing.T) (http.Handler, *catalog.Catalog) {
	t.Helper()

	store := kv.NewLocal()
	cat := catalog.New(store)
	if err := cat.Load(context.Background()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	historyLog := history.New(store, kv.NewLocal(), nil)
	gate := auth.New("admin-secret", []string{"tenant-secret"})
	rl := relay.New(5*time.Second, 64, historyLog, nil)

	cfg := &gatewayconfig.Config{AdminAPIKey: "admin-secret", ListenAddr: ":8080"}
	r := newRouter(cfg, cat, historyLog, gate, rl, nil, nil)
	return r, cat
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestModelsEndpointRequiresTenantAuth(t *testing.T) {
	r, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", w.Code)
	}
}

func TestModelsEndpointListsConfiguredModels(t *testing.T) {
	r, cat := testRouter(t)
	if _, err := cat.CreateConfig(context.Background(), catalog.UpstreamConfig{
		BaseURL: "https://api.example.com", Models: []string{"gpt-x"},
	}); err != nil {
		t.Fatalf("create config: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer tenant-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 {
		t.Fatalf("expected 1 model, got %d", len(body.Data))
	}
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	r, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer tenant-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

func TestChatCompletionsRejectsUnknownModel(t *testing.T) {
	r, _ := testRouter(t)
	payload := `{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer tenant-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", w.Code, w.Body.String())
	}
}

func TestAdminRoutesRequireAdminAuth(t *testing.T) {
	r, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/configs", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without admin credentials", w.Code)
	}
}

func TestAdminRoutesAcceptAdminBearer(t *testing.T) {
	r, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/configs", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
}

func TestLoginIssuesCookieUsableForAdminRoutes(t *testing.T) {
	r, _ := testRouter(t)

	loginReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"api_key":"admin-secret"}`))
	loginW := httptest.NewRecorder()
	r.ServeHTTP(loginW, loginReq)
	if loginW.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", loginW.Code)
	}

	cookies := loginW.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a cookie from /login")
	}

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d, want 200", w.Code)
	}
}

func TestBuildSnapshotStoreDisabledWhenDialectUnset(t *testing.T) {
	cfg := &gatewayconfig.Config{}
	if store := buildSnapshotStore(cfg, discardLogger()); store != nil {
		t.Fatalf("expected nil snapshot store when ConfigStoreDialect is unset, got %v", store)
	}
}

func TestBuildSnapshotStoreOpensSQLite(t *testing.T) {
	cfg := &gatewayconfig.Config{
		ConfigStoreDialect: "sqlite",
		ConfigStoreDSN:     t.TempDir() + "/snapshot.db",
	}
	store := buildSnapshotStore(cfg, discardLogger())
	if store == nil {
		t.Fatal("expected a non-nil sqlite snapshot store")
	}
	defer store.Close()
}

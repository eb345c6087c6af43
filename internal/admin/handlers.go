// Package admin provides the HTTP handlers for the gateway's
// administration surface: upstream config CRUD, global model mapping
// CRUD, and the login/logout/dashboard routes. The CRUD routes and the
// dashboard are protected by auth.Gate.RequireAdmin; Login and Logout are
// not, since they issue and clear the admin cookie.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unigw/uniproxy/internal/apierr"
	"github.com/unigw/uniproxy/internal/catalog"
)

// Handlers holds the dependencies shared by the admin HTTP handlers.
type Handlers struct {
	Catalog       *catalog.Catalog
	AdminAPIKey   string
	SnapshotStore SnapshotStore
	Logger        *slog.Logger
}

// New builds admin Handlers over cat, using adminKey to validate the
// /login form and as the value of the auth_key cookie it issues. store is the
// optional SQL snapshot store to sync after every mutation (nil disables
// it, leaving the KV Store as the only copy).
func New(cat *catalog.Catalog, adminKey string, store SnapshotStore) *Handlers {
	return &Handlers{Catalog: cat, AdminAPIKey: adminKey, SnapshotStore: store, Logger: slog.Default()}
}

// syncSnapshot persists the catalog's current state to the optional SQL
// snapshot store, logging (not failing the request) on error: the snapshot
// is additive durability, not the store of record.
func (h *Handlers) syncSnapshot(r *http.Request) {
	if h.SnapshotStore == nil {
		return
	}
	if err := SyncSnapshot(h.SnapshotStore, h.Catalog); err != nil {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(r.Context(), "config snapshot sync failed", "error", err)
	}
}

// Routes mounts every admin endpoint. Callers are
// expected to wrap the returned router with auth.Gate.RequireAdmin.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/configs", h.listConfigs)
	r.Post("/configs", h.createConfig)
	r.Get("/configs/{id}", h.getConfig)
	r.Put("/configs/{id}", h.updateConfig)
	r.Delete("/configs/{id}", h.deleteConfig)

	r.Get("/model-mappings", h.listMappings)
	r.Post("/model-mappings", h.setMapping)
	r.Delete("/model-mappings/{unified_name}", h.deleteMapping)

	return r
}

// maskedConfig is an UpstreamConfig with api_key replaced by its masked
// form, the shape every config listing/fetch response uses.
type maskedConfig struct {
	ID            string            `json:"id"`
	APIKey        string            `json:"api_key"`
	BaseURL       string            `json:"base_url"`
	Models        []string          `json:"models"`
	Vendor        string            `json:"vendor"`
	ModelMappings map[string]string `json:"model_mappings"`
	CreatedAt     time.Time         `json:"created_at"`
}

func mask(cfg catalog.UpstreamConfig) maskedConfig {
	return maskedConfig{
		ID:            cfg.ID,
		APIKey:        catalog.MaskedAPIKey(cfg.APIKey),
		BaseURL:       cfg.BaseURL,
		Models:        cfg.Models,
		Vendor:        cfg.Vendor,
		ModelMappings: cfg.ModelMappings,
		CreatedAt:     cfg.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) listConfigs(w http.ResponseWriter, _ *http.Request) {
	configs := h.Catalog.ListConfigs()
	out := make([]maskedConfig, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, mask(cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, ok := h.Catalog.GetConfig(id)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.NotFound, "config not found"))
		return
	}
	writeJSON(w, http.StatusOK, mask(cfg))
}

type configRequest struct {
	APIKey        string            `json:"api_key"`
	BaseURL       string            `json:"base_url"`
	Models        []string          `json:"models"`
	Vendor        string            `json:"vendor"`
	ModelMappings map[string]string `json:"model_mappings"`
}

func (h *Handlers) createConfig(w http.ResponseWriter, r *http.Request) {
	var body configRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}
	if body.BaseURL == "" {
		apierr.WriteJSON(w, apierr.New(apierr.BadRequest, "base_url is required"))
		return
	}

	cfg, err := h.Catalog.CreateConfig(r.Context(), catalog.UpstreamConfig{
		APIKey:        body.APIKey,
		BaseURL:       body.BaseURL,
		Models:        body.Models,
		Vendor:        body.Vendor,
		ModelMappings: body.ModelMappings,
	})
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, "failed to create config", err))
		return
	}
	h.syncSnapshot(r)
	writeJSON(w, http.StatusCreated, mask(cfg))
}

func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body configRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}

	cfg, err := h.Catalog.UpdateConfig(r.Context(), id, catalog.UpstreamConfig{
		APIKey:        body.APIKey,
		BaseURL:       body.BaseURL,
		Models:        body.Models,
		Vendor:        body.Vendor,
		ModelMappings: body.ModelMappings,
	})
	if err != nil {
		if aerr, ok := err.(*apierr.Error); ok {
			apierr.WriteJSON(w, aerr)
			return
		}
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, "failed to update config", err))
		return
	}
	h.syncSnapshot(r)
	writeJSON(w, http.StatusOK, mask(cfg))
}

func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Catalog.DeleteConfig(r.Context(), id); err != nil {
		if aerr, ok := err.(*apierr.Error); ok {
			apierr.WriteJSON(w, aerr)
			return
		}
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, "failed to delete config", err))
		return
	}
	h.syncSnapshot(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listMappings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.ListMappings())
}

func (h *Handlers) setMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UnifiedName string            `json:"unified_name"`
		Vendors     map[string]string `json:"vendors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}
	if body.UnifiedName == "" {
		apierr.WriteJSON(w, apierr.New(apierr.BadRequest, "unified_name is required"))
		return
	}

	if err := h.Catalog.SetMapping(r.Context(), body.UnifiedName, body.Vendors); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, "failed to set mapping", err))
		return
	}
	h.syncSnapshot(r)
	writeJSON(w, http.StatusOK, map[string]string{"unified_name": body.UnifiedName})
}

func (h *Handlers) deleteMapping(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "unified_name")
	if err := h.Catalog.DeleteMapping(r.Context(), name); err != nil {
		if aerr, ok := err.(*apierr.Error); ok {
			apierr.WriteJSON(w, aerr)
			return
		}
		apierr.WriteJSON(w, apierr.Wrap(apierr.Internal, "failed to delete mapping", err))
		return
	}
	h.syncSnapshot(r)
	w.WriteHeader(http.StatusNoContent)
}

// Login handles GET /login (a bare JSON form stand-in, since there's no
// HTML templating here) and POST /login, which validates the submitted
// key against AdminAPIKey and issues the auth_key cookie.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"form": "POST {\"api_key\": \"...\"} to authenticate"})
		return
	}

	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		apierr.WriteJSON(w, apierr.New(apierr.BadRequest, "api_key is required"))
		return
	}
	if body.APIKey != h.AdminAPIKey {
		apierr.WriteJSON(w, apierr.New(apierr.Unauthorized, "invalid admin key"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "auth_key",
		Value:    h.AdminAPIKey,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Logout clears the auth_key cookie.
func (h *Handlers) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_key",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Dashboard serves a bare JSON summary instead of a templated admin
// page, since this gateway has no HTML templating: config/mapping
// counts only.
func (h *Handlers) Dashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"configs":  len(h.Catalog.ListConfigs()),
		"mappings": len(h.Catalog.ListMappings()),
	})
}

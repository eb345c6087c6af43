// Package catalog holds upstream configurations and the global model
// mapping table (C3), and answers which (upstream, actual-model) pairs can
// serve a client-visible model name.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unigw/uniproxy/internal/apierr"
	"github.com/unigw/uniproxy/internal/kv"
)

const (
	configsKey  = "api_configs"
	mappingsKey = "model_mappings"
)

// UpstreamConfig is one configured backend provider.
type UpstreamConfig struct {
	ID            string            `json:"id"`
	APIKey        string            `json:"api_key"`
	BaseURL       string            `json:"base_url"`
	Models        []string          `json:"models"`
	Vendor        string            `json:"vendor"`
	ModelMappings map[string]string `json:"model_mappings"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (c UpstreamConfig) hasModel(m string) bool {
	for _, x := range c.Models {
		if x == m {
			return true
		}
	}
	return false
}

// GlobalModelMapping maps a client-visible model name to a vendor-keyed set
// of actual model names. It is loaded and mutated by the admin surface but,
// is not consulted by candidate resolution in this frozen
// selector generation — see DESIGN.md, open question (a).
type GlobalModelMapping map[string]map[string]string

// Candidate is one (config, actual-model) pair the Catalog believes can
// serve a client model name.
type Candidate struct {
	Config      UpstreamConfig
	ActualModel string
}

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Catalog is the read-mostly registry of UpstreamConfig and
// GlobalModelMapping, guarded by a RWMutex.
type Catalog struct {
	mu       sync.RWMutex
	configs  map[string]UpstreamConfig
	mappings GlobalModelMapping
	store    kv.Store
}

// New builds an empty Catalog backed by store. Call Load to populate it from
// persisted state.
func New(store kv.Store) *Catalog {
	return &Catalog{
		configs:  make(map[string]UpstreamConfig),
		mappings: make(GlobalModelMapping),
		store:    store,
	}
}

// Load reads the persisted config list and mapping table from the KV Store.
// Missing keys are treated as an empty catalog, not an error.
func (c *Catalog) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if raw, ok, err := c.store.Get(ctx, configsKey); err != nil {
		return fmt.Errorf("load configs: %w", err)
	} else if ok {
		var list []UpstreamConfig
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode configs: %w", err)
		}
		c.configs = make(map[string]UpstreamConfig, len(list))
		for _, cfg := range list {
			c.configs[cfg.ID] = cfg
		}
	}

	if raw, ok, err := c.store.Get(ctx, mappingsKey); err != nil {
		return fmt.Errorf("load model mappings: %w", err)
	} else if ok {
		var m GlobalModelMapping
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode model mappings: %w", err)
		}
		c.mappings = m
	}
	return nil
}

func (c *Catalog) persistConfigsLocked(ctx context.Context) error {
	list := make([]UpstreamConfig, 0, len(c.configs))
	for _, cfg := range c.configs {
		list = append(list, cfg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, configsKey, data, 0)
}

func (c *Catalog) persistMappingsLocked(ctx context.Context) error {
	data, err := json.Marshal(c.mappings)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, mappingsKey, data, 0)
}

// Resolve returns every (config, actual-model) candidate able to serve
// clientModel, per the union rule. The global mapping table
// is intentionally never consulted here.
func (c *Catalog) Resolve(clientModel string) ([]Candidate, *apierr.Error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Candidate
	add := func(cfg UpstreamConfig, actual string) {
		k := cfg.ID + "\x00" + actual
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, Candidate{Config: cfg, ActualModel: actual})
	}

	ids := make([]string, 0, len(c.configs))
	for id := range c.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := c.configs[id]
		if actual, ok := cfg.ModelMappings[clientModel]; ok && cfg.hasModel(actual) {
			add(cfg, actual)
		}
	}
	for _, id := range ids {
		cfg := c.configs[id]
		if cfg.hasModel(clientModel) {
			add(cfg, clientModel)
		}
	}

	if len(out) == 0 {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("no upstream serves model %q", clientModel))
	}
	return out, nil
}

// ListModels returns the /v1/models aggregation: the union of global unified
// names and every config's model names, rewritten to their alias where a
// mapping points to them as the actual target.
func (c *Catalog) ListModels(now time.Time) []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// actualToAlias records, for each (vendor-agnostic) actual model name, an
	// alias that resolves to it, preferring global mappings.
	actualToAlias := make(map[string]string)
	for unified, byVendor := range c.mappings {
		for _, actual := range byVendor {
			actualToAlias[actual] = unified
		}
	}

	names := make(map[string]bool)
	for unified := range c.mappings {
		names[unified] = true
	}
	for _, cfg := range c.configs {
		for alias, actual := range cfg.ModelMappings {
			if _, exists := actualToAlias[actual]; exists {
				continue
			}
			if cfg.hasModel(actual) {
				actualToAlias[actual] = alias
			}
		}
	}
	for _, cfg := range c.configs {
		for _, m := range cfg.Models {
			if alias, ok := actualToAlias[m]; ok {
				names[alias] = true
			} else {
				names[m] = true
			}
		}
	}

	out := make([]ModelInfo, 0, len(names))
	for n := range names {
		out = append(out, ModelInfo{ID: n, Object: "model", Created: now.Unix(), OwnedBy: "uniapi"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Admin CRUD (C8 backing operations) ---

// CreateConfig assigns an id and created_at, defaults Vendor to the host
// portion of BaseURL when unset, persists the config, and returns it.
func (c *Catalog) CreateConfig(ctx context.Context, cfg UpstreamConfig) (UpstreamConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg.ID = uuid.NewString()
	cfg.CreatedAt = time.Now().UTC()
	if cfg.Vendor == "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
			cfg.Vendor = u.Host
		}
	}
	if cfg.ModelMappings == nil {
		cfg.ModelMappings = map[string]string{}
	}
	c.configs[cfg.ID] = cfg
	if err := c.persistConfigsLocked(ctx); err != nil {
		delete(c.configs, cfg.ID)
		return UpstreamConfig{}, err
	}
	return cfg, nil
}

// GetConfig returns a single config by id.
func (c *Catalog) GetConfig(id string) (UpstreamConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[id]
	return cfg, ok
}

// ListConfigs returns every config, sorted by id.
func (c *Catalog) ListConfigs() []UpstreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]UpstreamConfig, 0, len(c.configs))
	for _, cfg := range c.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateConfig replaces the config at id, keeping its original id and
// created_at.
func (c *Catalog) UpdateConfig(ctx context.Context, id string, update UpstreamConfig) (UpstreamConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.configs[id]
	if !ok {
		return UpstreamConfig{}, apierr.New(apierr.NotFound, "config not found")
	}
	update.ID = id
	update.CreatedAt = existing.CreatedAt
	if update.Vendor == "" {
		update.Vendor = existing.Vendor
	}
	if update.ModelMappings == nil {
		update.ModelMappings = map[string]string{}
	}
	c.configs[id] = update
	if err := c.persistConfigsLocked(ctx); err != nil {
		c.configs[id] = existing
		return UpstreamConfig{}, err
	}
	return update, nil
}

// DeleteConfig removes a config by id.
func (c *Catalog) DeleteConfig(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.configs[id]
	if !ok {
		return apierr.New(apierr.NotFound, "config not found")
	}
	delete(c.configs, id)
	if err := c.persistConfigsLocked(ctx); err != nil {
		c.configs[id] = existing
		return err
	}
	return nil
}

// SetMapping upserts a global mapping entry for unifiedName.
func (c *Catalog) SetMapping(ctx context.Context, unifiedName string, byVendor map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prior, had := c.mappings[unifiedName]
	c.mappings[unifiedName] = byVendor
	if err := c.persistMappingsLocked(ctx); err != nil {
		if had {
			c.mappings[unifiedName] = prior
		} else {
			delete(c.mappings, unifiedName)
		}
		return err
	}
	return nil
}

// ListMappings returns the full global mapping table.
func (c *Catalog) ListMappings() GlobalModelMapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(GlobalModelMapping, len(c.mappings))
	for k, v := range c.mappings {
		cp := make(map[string]string, len(v))
		for vk, vv := range v {
			cp[vk] = vv
		}
		out[k] = cp
	}
	return out
}

// DeleteMapping removes a global mapping entry by unified name.
func (c *Catalog) DeleteMapping(ctx context.Context, unifiedName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prior, ok := c.mappings[unifiedName]
	if !ok {
		return apierr.New(apierr.NotFound, "mapping not found")
	}
	delete(c.mappings, unifiedName)
	if err := c.persistMappingsLocked(ctx); err != nil {
		c.mappings[unifiedName] = prior
		return err
	}
	return nil
}

// ReplaceAll overwrites the entire config and mapping tables, then
// persists both. Used to restore a catalog from a durable snapshot store
// distinct from the KV Store of record (internal/admin's SnapshotStore).
func (c *Catalog) ReplaceAll(ctx context.Context, configs []UpstreamConfig, mappings GlobalModelMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevConfigs, prevMappings := c.configs, c.mappings
	c.configs = make(map[string]UpstreamConfig, len(configs))
	for _, cfg := range configs {
		c.configs[cfg.ID] = cfg
	}
	if mappings == nil {
		mappings = make(GlobalModelMapping)
	}
	c.mappings = mappings

	if err := c.persistConfigsLocked(ctx); err != nil {
		c.configs, c.mappings = prevConfigs, prevMappings
		return err
	}
	if err := c.persistMappingsLocked(ctx); err != nil {
		c.configs, c.mappings = prevConfigs, prevMappings
		return err
	}
	return nil
}

// MaskedAPIKey renders a config's api_key as "**<last-4>" or "****" for
// listings.
func MaskedAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "**" + key[len(key)-4:]
}

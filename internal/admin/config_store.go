package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/unigw/uniproxy/internal/catalog"
)

// snapshot is the persisted shape of the catalog's admin-managed state: the
// UpstreamConfig list and GlobalModelMapping table.
type snapshot struct {
	Configs  []catalog.UpstreamConfig   `json:"configs"`
	Mappings catalog.GlobalModelMapping `json:"mappings"`
}

// SnapshotStore persists a catalog snapshot for durability across restarts.
// This is additive to the KV Store of record (internal/kv): the catalog
// loads from kv.Store at startup, and a SnapshotStore is an optional second
// copy an operator can inspect with ordinary SQL tooling.
type SnapshotStore interface {
	Save(snap snapshot) error
	Load() (snapshot, bool, error)
	Delete() error
	Close() error
}

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLSnapshotStore persists catalog snapshots in SQLite or Postgres,
// dialect-switched at construction time.
type SQLSnapshotStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteSnapshotStore opens (creating if absent) a SQLite-backed
// snapshot store at dsn, defaulting to a local file when dsn is empty.
func NewSQLiteSnapshotStore(dsn string) (*SQLSnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "uniproxy-config.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite snapshot store: %w", err)
	}
	s := &SQLSnapshotStore{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSnapshotStore opens a Postgres-backed snapshot store at dsn.
func NewPostgresSnapshotStore(dsn string) (*SQLSnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres snapshot store: %w", err)
	}
	s := &SQLSnapshotStore{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSnapshotStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s snapshot store: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS catalog_snapshot (
	id INTEGER PRIMARY KEY,
	snapshot_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

	if s.dialect == dialectPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS catalog_snapshot (
	id SMALLINT PRIMARY KEY,
	snapshot_json TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize snapshot schema: %w", err)
	}
	return nil
}

// Save upserts the single snapshot row.
func (s *SQLSnapshotStore) Save(snap snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	upsert := `
INSERT INTO catalog_snapshot(id, snapshot_json, updated_at)
VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET snapshot_json = excluded.snapshot_json, updated_at = excluded.updated_at`

	if s.dialect == dialectPostgres {
		upsert = `
INSERT INTO catalog_snapshot(id, snapshot_json, updated_at)
VALUES(1, $1, $2)
ON CONFLICT(id) DO UPDATE SET snapshot_json = EXCLUDED.snapshot_json, updated_at = EXCLUDED.updated_at`
	}

	if _, err := s.db.Exec(upsert, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads the single snapshot row, reporting false if none was ever
// saved.
func (s *SQLSnapshotStore) Load() (snapshot, bool, error) {
	row := s.db.QueryRow(`SELECT snapshot_json FROM catalog_snapshot WHERE id = 1`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return snapshot{}, false, nil
		}
		return snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Delete removes the single snapshot row.
func (s *SQLSnapshotStore) Delete() error {
	if _, err := s.db.Exec(`DELETE FROM catalog_snapshot WHERE id = 1`); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SyncSnapshot persists cat's current configs/mappings into store. Call
// after any admin CRUD mutation when durability beyond the KV Store of
// record is configured.
func SyncSnapshot(store SnapshotStore, cat *catalog.Catalog) error {
	if store == nil {
		return nil
	}
	return store.Save(snapshot{Configs: cat.ListConfigs(), Mappings: cat.ListMappings()})
}

// RestoreSnapshot loads a persisted snapshot from store into cat, for
// deployments that want the SQL snapshot to win over the KV Store of
// record at startup (e.g. recovering from a wiped Redis instance).
func RestoreSnapshot(ctx context.Context, store SnapshotStore, cat *catalog.Catalog) error {
	if store == nil {
		return nil
	}
	snap, ok, err := store.Load()
	if err != nil || !ok {
		return err
	}
	return cat.ReplaceAll(ctx, snap.Configs, snap.Mappings)
}

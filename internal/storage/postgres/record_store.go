// Package postgres persists snapshot records into a Postgres JSONB table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/hnsnap/internal/export"
	"github.com/JakeFAU/hnsnap/internal/hn"
)

// Name is the exporter name of RecordStore.
const Name = "postgres"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore upserts records keyed by (space, id). Re-exporting a record
// from a later run replaces the row.
type RecordStore struct {
	pool  execCloser
	table string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool.
func NewWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "hn_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *RecordStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the record table if it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	space      TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	run_id     TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (space, id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Name implements export.Exporter.
func (s *RecordStore) Name() string { return Name }

// Export implements export.Exporter. It stops at the first failed row.
func (s *RecordStore) Export(ctx context.Context, snap export.Snapshot) (string, error) {
	query := s.upsertQuery()
	for _, rec := range snap.Records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", rec.Key(), err)
		}
		key := rec.Key()
		if _, err := s.pool.Exec(ctx, query,
			string(key.Space), key.ID, kindOf(rec), snap.Result.RunID, payload, snap.Result.Finished,
		); err != nil {
			return "", fmt.Errorf("upsert %s: %w", key, err)
		}
	}
	return "postgres://" + s.table, nil
}

func (s *RecordStore) upsertQuery() string {
	return fmt.Sprintf(`
INSERT INTO %s (space, id, kind, run_id, payload, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (space, id) DO UPDATE
SET kind = EXCLUDED.kind,
	run_id = EXCLUDED.run_id,
	payload = EXCLUDED.payload,
	fetched_at = EXCLUDED.fetched_at`, s.table)
}

func kindOf(rec hn.Record) string {
	switch r := rec.(type) {
	case hn.Item:
		return string(r.Kind)
	case hn.User:
		return "user"
	default:
		return ""
	}
}

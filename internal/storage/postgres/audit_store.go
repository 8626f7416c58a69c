// Package postgres provides the Postgres-backed batch transition ledger.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/id/uuid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "batch_transitions"

// AuditStoreConfig controls the Postgres connection pool used for transition rows.
type AuditStoreConfig struct {
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

// AuditStore writes batch transitions into Postgres.
type AuditStore struct {
	pool  execCloser
	table string
}

// NewAuditStore creates a Postgres-backed AuditStore using the provided config.
func NewAuditStore(ctx context.Context, cfg AuditStoreConfig) (*AuditStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &AuditStore{pool: pool, table: table}, nil
}

// NewAuditStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAuditStoreWithPool(pool execCloser, table string) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &AuditStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordTransition inserts one transition row. The identity column stores the
// operative item name at the time of the transition, so reconciliation
// shrinkage is visible in the ledger.
func (s *AuditStore) RecordTransition(ctx context.Context, tr archive.Transition) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	runID, err := uuid.Parse(tr.RunID)
	if err != nil {
		return err
	}
	var errText *string
	if tr.Error != "" {
		errText = &tr.Error
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	fingerprint,
	item_name,
	from_state,
	to_state,
	skipped,
	error_text,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		runID,
		tr.Fingerprint,
		tr.ItemName,
		string(tr.From),
		string(tr.To),
		tr.Skipped,
		errText,
		tr.At,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

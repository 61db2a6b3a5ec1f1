// Package store is the persistent-store layer: a PostgreSQL/PostGIS
// connection pool, the batched changeset upsert, and the sequence
// state-machine table (spec.md §3/§4.4/§6).
package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// statementTimeout bounds every server-side statement, per spec.md §5
// ("each database statement has a server-side statement timeout
// (default 5 minutes)").
const statementTimeout = 5 * time.Minute

// Store wraps a pgxpool.Pool with the operations the ingestion pipeline
// needs. A *Store is safe for concurrent use by multiple worker
// goroutines; the pool itself enforces the max-connections cap (spec.md
// §5: "exceeding the cap blocks rather than failing").
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool capped at maxConns and applies
// migrations. Every acquired connection has statement_timeout set via
// the pool's AfterConnect hook so no single query can wedge a worker
// past the configured deadline.
func Open(ctx context.Context, dbURL string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: parsing db url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.AfterConnect = setStatementTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: opening pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrating: %w", err)
	}
	return s, nil
}

func setStatementTimeout(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", statementTimeout.Milliseconds()))
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// migrate applies every embedded migration file in filename order inside
// a tracking table `schema_migrations`. This is deliberately minimal: a
// single go:embed + exec loop, not the general schema-migration tool
// spec.md §1 places out of scope.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return err
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var already bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&already)
		if err != nil {
			return err
		}
		if already {
			continue
		}

		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

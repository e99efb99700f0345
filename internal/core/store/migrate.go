package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS endpoint_rates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		endpoint_tag TEXT NOT NULL,
		ts INTEGER NOT NULL,
		ok INTEGER NOT NULL DEFAULT 0,
		ratelimit INTEGER NOT NULL DEFAULT 0,
		waf INTEGER NOT NULL DEFAULT 0,
		server_error INTEGER NOT NULL DEFAULT 0,
		network_error INTEGER NOT NULL DEFAULT 0,
		client_error INTEGER NOT NULL DEFAULT 0,
		last_error_at INTEGER,
		last_ok_at INTEGER,
		recommended_delay_ms INTEGER NOT NULL DEFAULT 0,
		server_received_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_endpoint_rates_tag_ts ON endpoint_rates(endpoint_tag, ts);`,
	`CREATE INDEX IF NOT EXISTS idx_endpoint_rates_run ON endpoint_rates(run_id);`,
	`CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		listing_id TEXT,
		product_id TEXT,
		sku TEXT,
		grade TEXT NOT NULL,
		publication_state TEXT,
		quantity INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		price TEXT,
		min_price TEXT,
		max_price TEXT,
		currency TEXT NOT NULL,
		title TEXT,
		comment TEXT,
		warranty_delay INTEGER,
		anomalies TEXT,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cycle_runs (
		run_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		baseline_count INTEGER NOT NULL,
		activated_count INTEGER NOT NULL,
		deactivated_count INTEGER NOT NULL,
		reconcile_ok INTEGER NOT NULL,
		aborted INTEGER NOT NULL,
		anomalies TEXT NOT NULL,
		durations TEXT NOT NULL,
		details TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cycle_runs_started ON cycle_runs(started_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	// Stores created before comment tracking lack the column.
	if err := s.ensureColumn(ctx, "listings", "comment", "TEXT"); err != nil {
		return err
	}

	return s.EnsureListingIndexes(ctx)
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core"
)

const (
	driverPostgres     = "postgres"
	defaultPGMaxConns  = 4
	pgStatementTimeout = 30 * time.Second
)

var pgSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS endpoint_rates (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		endpoint_tag TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		ok INTEGER NOT NULL DEFAULT 0,
		ratelimit INTEGER NOT NULL DEFAULT 0,
		waf INTEGER NOT NULL DEFAULT 0,
		server_error INTEGER NOT NULL DEFAULT 0,
		network_error INTEGER NOT NULL DEFAULT 0,
		client_error INTEGER NOT NULL DEFAULT 0,
		last_error_at TIMESTAMPTZ,
		last_ok_at TIMESTAMPTZ,
		recommended_delay_ms BIGINT NOT NULL DEFAULT 0,
		server_received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_endpoint_rates_tag_ts ON endpoint_rates(endpoint_tag, ts)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		listing_id TEXT,
		product_id TEXT,
		sku TEXT,
		grade TEXT NOT NULL,
		publication_state TEXT,
		quantity INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT false,
		price NUMERIC(12,2),
		min_price NUMERIC(12,2),
		max_price NUMERIC(12,2),
		currency TEXT NOT NULL,
		title TEXT,
		comment TEXT,
		warranty_delay INTEGER,
		anomalies JSONB,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_runs (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		baseline_count INTEGER NOT NULL,
		activated_count INTEGER NOT NULL,
		deactivated_count INTEGER NOT NULL,
		reconcile_ok BOOLEAN NOT NULL,
		aborted BOOLEAN NOT NULL,
		anomalies JSONB NOT NULL,
		durations JSONB NOT NULL,
		details JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// PGStore is the Postgres persistence sink backed by a pgx pool.
type PGStore struct {
	Pool      *pgxpool.Pool
	batchSize int
}

// OpenPostgres connects a pool sized by cfg.MaxConns.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig) (*PGStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store dsn is required for postgres")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPGMaxConns
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", pgStatementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &PGStore{Pool: pool, batchSize: batchSize}, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

// PingContext checks that the pool can reach the server.
func (s *PGStore) PingContext(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return errors.New("postgres store is not initialized")
	}
	return s.Pool.Ping(ctx)
}

// Driver returns "postgres".
func (s *PGStore) Driver() string {
	return driverPostgres
}

// Migrate creates tables and indexes.
func (s *PGStore) Migrate(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return errors.New("store is not initialized")
	}
	for _, stmt := range pgSchemaStatements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}
	return s.EnsureListingIndexes(ctx)
}

// EnsureListingIndexes creates the listings indexes if missing.
func (s *PGStore) EnsureListingIndexes(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return errors.New("store is not initialized")
	}
	b := &pgx.Batch{}
	for _, stmt := range listingIndexStatements {
		b.Queue(strings.TrimSuffix(stmt, ";"))
	}
	br := s.Pool.SendBatch(ctx, b)
	for range listingIndexStatements {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("ensure listing indexes: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("ensure listing indexes: %w", err)
	}
	return nil
}

// InsertSnapshots appends snapshots in one batch; the server stamps
// server_received_at.
func (s *PGStore) InsertSnapshots(ctx context.Context, snapshots []core.EndpointSnapshot) error {
	if s == nil || s.Pool == nil {
		return errors.New("store is not initialized")
	}
	if len(snapshots) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, snap := range snapshots {
		b.Queue(`
			INSERT INTO endpoint_rates (
				run_id, endpoint_tag, ts, ok, ratelimit, waf, server_error,
				network_error, client_error, last_error_at, last_ok_at, recommended_delay_ms
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			snap.RunID, snap.EndpointTag, snap.Timestamp.UTC(), snap.OK, snap.RateLimit, snap.WAF,
			snap.ServerError, snap.NetworkError, snap.ClientError, snap.LastErrorAt, snap.LastOKAt,
			snap.RecommendedDelayMS,
		)
	}
	br := s.Pool.SendBatch(ctx, b)
	for _, snap := range snapshots {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert snapshot %s: %w", snap.EndpointTag, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}

// BulkUpsertListings upserts keyed by id, one pgx batch per chunk. xmax = 0
// on the returned row marks a fresh insert.
func (s *PGStore) BulkUpsertListings(ctx context.Context, listings []core.Listing, batchSize int) (core.BulkWriteResult, error) {
	var result core.BulkWriteResult
	if s == nil || s.Pool == nil {
		return result, errors.New("store is not initialized")
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for start := 0; start < len(listings); start += batchSize {
		end := min(start+batchSize, len(listings))
		inserted, updated, err := s.upsertBatch(ctx, listings[start:end])
		result.Upserted += inserted
		result.Matched += updated
		result.Modified += updated
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Batches++
	}
	return result, nil
}

func (s *PGStore) upsertBatch(ctx context.Context, batch []core.Listing) (inserted, updated int64, err error) {
	b := &pgx.Batch{}
	for _, listing := range batch {
		if strings.TrimSpace(listing.ID) == "" {
			return 0, 0, errors.New("listing id is required")
		}
		var anomalies []byte
		if len(listing.Anomalies) > 0 {
			if anomalies, err = json.Marshal(listing.Anomalies); err != nil {
				return 0, 0, fmt.Errorf("encode anomalies for %s: %w", listing.ID, err)
			}
		}
		b.Queue(`
			INSERT INTO listings (
				id, listing_id, product_id, sku, grade, publication_state, quantity,
				active, price, min_price, max_price, currency, title, comment,
				warranty_delay, anomalies, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::text::numeric,$10::text::numeric,$11::text::numeric,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (id) DO UPDATE SET
				listing_id = EXCLUDED.listing_id,
				product_id = EXCLUDED.product_id,
				sku = EXCLUDED.sku,
				grade = EXCLUDED.grade,
				publication_state = EXCLUDED.publication_state,
				quantity = EXCLUDED.quantity,
				active = EXCLUDED.active,
				price = EXCLUDED.price,
				min_price = EXCLUDED.min_price,
				max_price = EXCLUDED.max_price,
				currency = EXCLUDED.currency,
				title = EXCLUDED.title,
				comment = EXCLUDED.comment,
				warranty_delay = EXCLUDED.warranty_delay,
				anomalies = EXCLUDED.anomalies,
				updated_at = EXCLUDED.updated_at
			RETURNING (xmax = 0)`,
			listing.ID,
			nullableString(listing.ListingID),
			nullableString(listing.ProductID),
			nullableString(listing.SKU),
			listing.Grade,
			nullableString(listing.PublicationState),
			listing.Quantity,
			listing.Active,
			nullableString(listing.Price.String()),
			nullableString(listing.MinPrice.String()),
			nullableString(listing.MaxPrice.String()),
			listing.Currency,
			nullableString(listing.Title),
			nullableString(listing.Comment),
			listing.WarrantyDelay,
			anomalies,
			listing.UpdatedAt.UTC(),
		)
	}

	br := s.Pool.SendBatch(ctx, b)
	for _, listing := range batch {
		var fresh bool
		if err := br.QueryRow().Scan(&fresh); err != nil {
			_ = br.Close()
			return inserted, updated, fmt.Errorf("upsert listing %s: %w", listing.ID, err)
		}
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	if err := br.Close(); err != nil {
		return inserted, updated, fmt.Errorf("upsert listings: %w", err)
	}
	return inserted, updated, nil
}

// SaveCycleReport stores a report, replacing any earlier save for the run.
func (s *PGStore) SaveCycleReport(ctx context.Context, report core.CycleReport) error {
	if s == nil || s.Pool == nil {
		return errors.New("store is not initialized")
	}
	if strings.TrimSpace(report.RunID) == "" {
		return errors.New("run id is required")
	}
	anomalies, err := json.Marshal(report.Anomalies)
	if err != nil {
		return fmt.Errorf("encode anomalies: %w", err)
	}
	durations, err := json.Marshal(durationMillis(report.Durations))
	if err != nil {
		return fmt.Errorf("encode durations: %w", err)
	}
	details, err := json.Marshal(report.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO cycle_runs (
			run_id, started_at, baseline_count, activated_count, deactivated_count,
			reconcile_ok, aborted, anomalies, durations, details
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			baseline_count = EXCLUDED.baseline_count,
			activated_count = EXCLUDED.activated_count,
			deactivated_count = EXCLUDED.deactivated_count,
			reconcile_ok = EXCLUDED.reconcile_ok,
			aborted = EXCLUDED.aborted,
			anomalies = EXCLUDED.anomalies,
			durations = EXCLUDED.durations,
			details = EXCLUDED.details,
			saved_at = now()`,
		report.RunID, report.StartedAt.UTC(), report.BaselineCount, report.ActivatedCount,
		report.DeactivatedCount, report.ReconcileOK, report.Aborted, anomalies, durations, details,
	)
	if err != nil {
		return fmt.Errorf("save cycle report: %w", err)
	}
	return nil
}

// ListEndpointRates returns snapshots newest first.
func (s *PGStore) ListEndpointRates(ctx context.Context, q EndpointRateQuery) ([]EndpointRateEntry, error) {
	if s == nil || s.Pool == nil {
		return nil, errors.New("store is not initialized")
	}
	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}
	where = numberPlaceholders(where)
	limit := ""
	if q.Limit > 0 {
		args = append(args, q.Limit)
		limit = fmt.Sprintf("LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, fmt.Sprintf(`
		SELECT id, run_id, endpoint_tag, ts, ok, ratelimit, waf, server_error,
			network_error, client_error, last_error_at, last_ok_at,
			recommended_delay_ms, server_received_at
		FROM endpoint_rates
		%s
		ORDER BY ts DESC, id DESC
		%s`, where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoint rates: %w", err)
	}
	defer rows.Close()

	entries := []EndpointRateEntry{}
	for rows.Next() {
		var entry EndpointRateEntry
		snap := &entry.Snapshot
		if err := rows.Scan(&entry.ID, &snap.RunID, &snap.EndpointTag, &snap.Timestamp,
			&snap.OK, &snap.RateLimit, &snap.WAF, &snap.ServerError,
			&snap.NetworkError, &snap.ClientError, &snap.LastErrorAt, &snap.LastOKAt,
			&snap.RecommendedDelayMS, &entry.ServerReceivedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint rates: %w", err)
		}
		snap.Timestamp = snap.Timestamp.UTC()
		entry.ServerReceivedAt = entry.ServerReceivedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoint rates: %w", err)
	}
	return entries, nil
}

// numberPlaceholders rewrites "?" markers to Postgres "$n" form.
func numberPlaceholders(clause string) string {
	var b strings.Builder
	n := 0
	for _, r := range clause {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

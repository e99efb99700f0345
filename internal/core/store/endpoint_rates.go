package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketsync/marketsync/internal/core"
)

// EndpointRateEntry is one persisted tracker snapshot.
type EndpointRateEntry struct {
	ID               int64                 `json:"id"`
	Snapshot         core.EndpointSnapshot `json:"snapshot"`
	ServerReceivedAt time.Time             `json:"server_received_at"`
}

// EndpointRateQuery selects snapshots by exact tag, tag prefix, or all.
type EndpointRateQuery struct {
	All      bool
	Endpoint string
	Prefix   string
	Limit    int
}

func (q EndpointRateQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Endpoint) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --endpoint, or --prefix")
}

func (q EndpointRateQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if endpoint := strings.TrimSpace(q.Endpoint); endpoint != "" {
		return "WHERE endpoint_tag = ?", []any{endpoint}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE endpoint_tag LIKE ?", []any{prefix + "%"}, nil
}

// InsertSnapshots appends tracker snapshots to endpoint_rates in one
// transaction, stamping server_received_at.
func (s *Store) InsertSnapshots(ctx context.Context, snapshots []core.EndpointSnapshot) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO endpoint_rates (
			run_id, endpoint_tag, ts, ok, ratelimit, waf, server_error,
			network_error, client_error, last_error_at, last_ok_at,
			recommended_delay_ms, server_received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	defer stmt.Close() // nolint:errcheck // closed with the transaction

	received := time.Now().UTC().UnixMilli()
	for _, snap := range snapshots {
		if _, err := stmt.ExecContext(ctx,
			snap.RunID,
			snap.EndpointTag,
			snap.Timestamp.UTC().UnixMilli(),
			snap.OK,
			snap.RateLimit,
			snap.WAF,
			snap.ServerError,
			snap.NetworkError,
			snap.ClientError,
			nullableMillis(snap.LastErrorAt),
			nullableMillis(snap.LastOKAt),
			snap.RecommendedDelayMS,
			received,
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.EndpointTag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}

// ListEndpointRates returns snapshots newest first.
func (s *Store) ListEndpointRates(ctx context.Context, q EndpointRateQuery) ([]EndpointRateEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, run_id, endpoint_tag, ts, ok, ratelimit, waf, server_error,
			network_error, client_error, last_error_at, last_ok_at,
			recommended_delay_ms, server_received_at
		FROM endpoint_rates
		%s
		ORDER BY ts DESC, id DESC
		%s
	`, where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoint rates: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []EndpointRateEntry{}
	for rows.Next() {
		var (
			entry       EndpointRateEntry
			ts          int64
			lastErrorAt sql.NullInt64
			lastOKAt    sql.NullInt64
			received    int64
		)
		snap := &entry.Snapshot
		if err := rows.Scan(&entry.ID, &snap.RunID, &snap.EndpointTag, &ts,
			&snap.OK, &snap.RateLimit, &snap.WAF, &snap.ServerError,
			&snap.NetworkError, &snap.ClientError, &lastErrorAt, &lastOKAt,
			&snap.RecommendedDelayMS, &received); err != nil {
			return nil, fmt.Errorf("scan endpoint rates: %w", err)
		}
		snap.Timestamp = time.UnixMilli(ts).UTC()
		snap.LastErrorAt = timeFromMillis(lastErrorAt)
		snap.LastOKAt = timeFromMillis(lastOKAt)
		entry.ServerReceivedAt = time.UnixMilli(received).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoint rates: %w", err)
	}

	return entries, nil
}

// CountEndpointRates counts snapshots matching q.
func (s *Store) CountEndpointRates(ctx context.Context, q EndpointRateQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM endpoint_rates
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count endpoint rates: %w", err)
	}
	return count, nil
}

// PruneEndpointRates deletes snapshots matching q and returns the row count.
func (s *Store) PruneEndpointRates(ctx context.Context, q EndpointRateQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM endpoint_rates
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("prune endpoint rates: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune endpoint rates: %w", err)
	}
	return affected, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

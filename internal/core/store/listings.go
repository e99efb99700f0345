package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marketsync/marketsync/internal/core"
)

// listingIndexStatements cover the filters used by reporting queries.
var listingIndexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_listings_sku ON listings(sku);`,
	`CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(active);`,
	`CREATE INDEX IF NOT EXISTS idx_listings_quantity ON listings(quantity);`,
	`CREATE INDEX IF NOT EXISTS idx_listings_grade ON listings(grade);`,
	`CREATE INDEX IF NOT EXISTS idx_listings_publication_state ON listings(publication_state);`,
	`CREATE INDEX IF NOT EXISTS idx_listings_updated_at ON listings(updated_at);`,
}

const upsertListingSQL = `
	INSERT INTO listings (
		id, listing_id, product_id, sku, grade, publication_state, quantity,
		active, price, min_price, max_price, currency, title, comment,
		warranty_delay, anomalies, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		listing_id = excluded.listing_id,
		product_id = excluded.product_id,
		sku = excluded.sku,
		grade = excluded.grade,
		publication_state = excluded.publication_state,
		quantity = excluded.quantity,
		active = excluded.active,
		price = excluded.price,
		min_price = excluded.min_price,
		max_price = excluded.max_price,
		currency = excluded.currency,
		title = excluded.title,
		comment = excluded.comment,
		warranty_delay = excluded.warranty_delay,
		anomalies = excluded.anomalies,
		updated_at = excluded.updated_at
`

// EnsureListingIndexes creates the listings indexes if missing.
func (s *Store) EnsureListingIndexes(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stmt := range listingIndexStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure listing indexes: %w", err)
		}
	}
	return nil
}

// BulkUpsertListings writes listings keyed by id, one transaction per batch.
// A failed batch stops the run; earlier batches stay committed and are
// reflected in the result.
func (s *Store) BulkUpsertListings(ctx context.Context, listings []core.Listing, batchSize int) (core.BulkWriteResult, error) {
	var result core.BulkWriteResult
	if s == nil || s.DB == nil {
		return result, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if batchSize <= 0 {
		batchSize = s.BatchSize()
	}

	for start := 0; start < len(listings); start += batchSize {
		end := min(start+batchSize, len(listings))
		existing, err := s.upsertBatch(ctx, listings[start:end])
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Batches++
		result.Matched += existing
		result.Modified += existing
		result.Upserted += int64(end-start) - existing
	}
	return result, nil
}

func (s *Store) upsertBatch(ctx context.Context, batch []core.Listing) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("upsert listings: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]any, len(batch))
	for i, listing := range batch {
		ids[i] = listing.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	var existing int64
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM listings WHERE id IN (%s)", placeholders),
		ids...,
	).Scan(&existing); err != nil {
		return 0, fmt.Errorf("upsert listings: count existing: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertListingSQL)
	if err != nil {
		return 0, fmt.Errorf("upsert listings: %w", err)
	}
	defer stmt.Close() // nolint:errcheck // closed with the transaction

	for _, listing := range batch {
		args, err := listingArgs(listing)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("upsert listing %s: %w", listing.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert listings: %w", err)
	}
	return existing, nil
}

// CountListings returns the stored listing count, optionally active only.
func (s *Store) CountListings(ctx context.Context, activeOnly bool) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := "SELECT COUNT(*) FROM listings"
	if activeOnly {
		query += " WHERE active = 1"
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return count, nil
}

func listingArgs(listing core.Listing) ([]any, error) {
	if strings.TrimSpace(listing.ID) == "" {
		return nil, errors.New("listing id is required")
	}
	var anomalies any
	if len(listing.Anomalies) > 0 {
		encoded, err := json.Marshal(listing.Anomalies)
		if err != nil {
			return nil, fmt.Errorf("encode anomalies for %s: %w", listing.ID, err)
		}
		anomalies = string(encoded)
	}
	return []any{
		listing.ID,
		nullableString(listing.ListingID),
		nullableString(listing.ProductID),
		nullableString(listing.SKU),
		listing.Grade,
		nullableString(listing.PublicationState),
		listing.Quantity,
		boolToInt(listing.Active),
		nullableString(listing.Price.String()),
		nullableString(listing.MinPrice.String()),
		nullableString(listing.MaxPrice.String()),
		listing.Currency,
		nullableString(listing.Title),
		nullableString(listing.Comment),
		listing.WarrantyDelay,
		anomalies,
		listing.UpdatedAt.UTC().UnixMilli(),
	}, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

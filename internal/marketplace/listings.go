package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
)

// Listing endpoints.
const (
	ListingsPath       = "/ws/listings"
	TagListingsGetAll  = "listings_get_all"
	TagListingGet      = "listing_get"
	TagListingUpdate   = "listing_update"
	ListingsPageSize   = 100
	listingPathPattern = "/ws/listings/%s"
)

// ListingPath returns the single-listing path for id.
func ListingPath(id string) string {
	return fmt.Sprintf(listingPathPattern, url.PathEscape(id))
}

// FetchAllListings scans every seller listing page and checks the total
// against the count reported by the first page.
func (r *Requester) FetchAllListings(ctx context.Context) ([]map[string]any, error) {
	pages, err := r.Paginate(ctx, PageRequest{
		Path:        ListingsPath,
		Category:    core.CategorySellerGeneric,
		EndpointTag: TagListingsGetAll,
		Mode:        PageModePage,
		PageSize:    ListingsPageSize,
	})
	if err != nil {
		return nil, err
	}

	items, err := CollectResults(TagListingsGetAll, pages)
	if err != nil {
		r.log().Error("listings_count_mismatch",
			zap.Int("pages", len(pages)),
			zap.Int("collected", len(items)),
			zap.Error(err))
		return nil, err
	}

	listings := make([]map[string]any, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, DataError(TagListingsGetAll, "result %d is not an object", i)
		}
		listings = append(listings, obj)
	}
	r.log().Info("listings_scan_complete",
		zap.Int("total", len(listings)),
		zap.Int("pages", len(pages)))
	return listings, nil
}

// SnapshotIndex builds the id-keyed index used by activation cycles.
func (r *Requester) SnapshotIndex(ctx context.Context) (core.ListingIndex, error) {
	items, err := r.FetchAllListings(ctx)
	if err != nil {
		return nil, err
	}
	index, err := BuildIndex(items)
	if err != nil {
		return nil, err
	}
	r.log().Info("listings_snapshot_built", zap.Int("count", len(index)))
	return index, nil
}

// BuildIndex keys raw listings by id. Every record must carry a string id.
func BuildIndex(items []map[string]any) (core.ListingIndex, error) {
	index := make(core.ListingIndex, len(items))
	for i, item := range items {
		id, ok := core.IDString(item)
		if !ok {
			return nil, DataError(TagListingsGetAll, "listing %d has no string id (got %T)", i, item["id"])
		}
		qty := core.ExtractQuantity(item)
		index[id] = core.ListingIndexEntry{
			Quantity: qty,
			Active:   qty > 0,
			Price:    priceLike(item["price"]),
			MaxPrice: priceLike(item["max_price"]),
		}
	}
	return index, nil
}

// DefaultReadMaxAttempts bounds single-listing reads.
const DefaultReadMaxAttempts = 6

// GetListing reads a single listing. 404s are retried a few times because
// freshly written listings can lag behind reads.
func (r *Requester) GetListing(ctx context.Context, id string) (map[string]any, error) {
	return r.getListing(ctx, id, DefaultReadMaxAttempts)
}

func (r *Requester) getListing(ctx context.Context, id string, maxAttempts int) (map[string]any, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultReadMaxAttempts
	}
	resp, err := r.Send(ctx, Call{
		Method:        http.MethodGet,
		Path:          ListingPath(id),
		EndpointTag:   TagListingGet,
		Category:      core.CategorySellerGeneric,
		Allow404Retry: true,
		MaxAttempts:   maxAttempts,
	})
	if err != nil {
		return nil, err
	}
	obj, ok := resp.Object()
	if !ok {
		return nil, DataError(TagListingGet, "listing %s: expected JSON object", id)
	}
	return obj, nil
}

// NormalizeListings converts raw listings, skipping records that cannot be
// identified. The skipped count is returned for reporting.
func NormalizeListings(items []map[string]any, now time.Time) ([]core.Listing, int) {
	out := make([]core.Listing, 0, len(items))
	skipped := 0
	for _, item := range items {
		listing, err := core.NormalizeListing(item, now)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, listing)
	}
	return out, skipped
}

func priceLike(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return ""
	}
	money, err := core.ParseMoney(value)
	if err != nil || !money.Valid {
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}
	return money.String()
}

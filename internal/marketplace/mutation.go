package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/metrics"
	"github.com/marketsync/marketsync/internal/observability"
)

const (
	DefaultFallbackPrice       = "2000.00"
	DefaultMutationMaxAttempts = 6
	DefaultVerifyMaxAttempts   = 3
)

// ListingUpdate is the quantity mutation payload.
type ListingUpdate struct {
	MinPrice *string `json:"min_price"`
	Price    string  `json:"price"`
	Currency string  `json:"currency"`
	Quantity int     `json:"quantity"`
}

// BuildListingUpdate picks the price from the price hint, then max price,
// then fallback. Parseable prices are normalized to two places.
func BuildListingUpdate(child core.ChildInfo, quantity int, fallbackPrice, currency string) ListingUpdate {
	if fallbackPrice == "" {
		fallbackPrice = DefaultFallbackPrice
	}
	price := fallbackPrice
	for _, candidate := range []string{child.PriceHint, child.MaxPrice} {
		if strings.TrimSpace(candidate) != "" {
			price = strings.TrimSpace(candidate)
			break
		}
	}
	if money, err := core.NewMoney(price); err == nil && money.Valid {
		price = money.String()
	}

	cur := strings.TrimSpace(child.Currency)
	if cur == "" {
		cur = currency
	}
	if cur == "" {
		cur = core.DefaultCurrency
	}
	return ListingUpdate{Price: price, Currency: strings.ToUpper(cur), Quantity: quantity}
}

// IdempotencyKey ties a write to its run, listing, quantity, and price so
// replays within a run are harmless.
func IdempotencyKey(runID, listingID string, quantity int, price string) string {
	return fmt.Sprintf("%s:%s:%d:%s", runID, listingID, quantity, price)
}

// Mutator writes listing quantities and verifies them with a read-back.
type Mutator struct {
	Requester         *Requester
	FallbackPrice     string
	Currency          string
	MaxAttempts       int
	// VerifyMaxAttempts bounds the read-back; 0 uses DefaultVerifyMaxAttempts.
	VerifyMaxAttempts int
	Logger            *logging.Logger
}

// UpdateQuantity sets a listing's quantity. The write result is
// authoritative; a verification mismatch is logged but does not fail the item.
func (m *Mutator) UpdateQuantity(ctx context.Context, runID string, item core.ActivationItem, quantity int) core.UpdateResult {
	result := core.UpdateResult{ListingID: item.ListingID, RequestedQuantity: quantity}
	log := observability.Events(m.Logger)

	if strings.TrimSpace(item.ListingID) == "" {
		result.Error = "listing id is required"
		metrics.RecordBulkItem(quantity, false)
		return result
	}

	payload := BuildListingUpdate(item.Child, quantity, m.FallbackPrice, m.Currency)
	key := IdempotencyKey(runID, item.ListingID, quantity, payload.Price)
	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMutationMaxAttempts
	}

	log.Debug("listing_update_attempt",
		zap.String("run_id", runID),
		zap.String("listing_id", item.ListingID),
		zap.Int("desired_quantity", quantity),
		zap.String("price", payload.Price))

	_, err := m.Requester.Send(ctx, Call{
		Method:         http.MethodPost,
		Path:           ListingPath(item.ListingID),
		Body:           payload,
		EndpointTag:    TagListingUpdate,
		Category:       core.CategorySellerMutations,
		IdempotencyKey: key,
		Allow404Retry:  true,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		result.Error = truncate(err.Error(), maxBodyExcerpt)
		metrics.RecordBulkItem(quantity, false)
		log.Warn("listing_update_failed",
			zap.String("run_id", runID),
			zap.String("listing_id", item.ListingID),
			zap.Int("desired_quantity", quantity),
			zap.String("price", payload.Price),
			zap.Error(err))
		return result
	}
	result.OK = true
	metrics.RecordBulkItem(quantity, true)

	verifyAttempts := m.VerifyMaxAttempts
	if verifyAttempts <= 0 {
		verifyAttempts = DefaultVerifyMaxAttempts
	}
	doc, err := m.Requester.getListing(ctx, item.ListingID, verifyAttempts)
	if err != nil {
		log.Warn("listing_update_suspect",
			zap.String("run_id", runID),
			zap.String("listing_id", item.ListingID),
			zap.Int("desired_quantity", quantity),
			zap.String("reason", "verification unreadable"),
			zap.Error(err))
		return result
	}
	if verified, ok := core.ReadQuantity(doc); ok {
		result.VerifiedQuantity = &verified
		if verified != quantity {
			log.Warn("listing_update_suspect",
				zap.String("run_id", runID),
				zap.String("listing_id", item.ListingID),
				zap.Int("desired_quantity", quantity),
				zap.Int("verified_quantity", verified))
			return result
		}
	}

	log.Debug("listing_update_ok",
		zap.String("run_id", runID),
		zap.String("listing_id", item.ListingID),
		zap.Int("desired_quantity", quantity))
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package marketplace

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
)

const (
	BuybackPath = "/ws/buyback/v1/listings"
	TagBuyback  = "buyback_listings"

	DefaultBuybackPageDelay = time.Second
)

// BuybackScan is the result of a full buyback cursor scan.
type BuybackScan struct {
	Pages int              `json:"pages"`
	Items []map[string]any `json:"-"`
	Total int              `json:"total"`
}

// Sample returns up to n items trimmed to their identifying fields.
func (s BuybackScan) Sample(n int) []map[string]any {
	if n > len(s.Items) {
		n = len(s.Items)
	}
	out := make([]map[string]any, 0, n)
	for _, item := range s.Items[:n] {
		out = append(out, map[string]any{
			"id":                 item["id"],
			"productId":          item["productId"],
			"sku":                item["sku"],
			"aestheticGradeCode": item["aestheticGradeCode"],
			"prices":             item["prices"],
		})
	}
	return out
}

// FetchBuyback walks the buyback listings with cursor pagination. Pages are
// spaced by delay; zero uses DefaultBuybackPageDelay.
func (r *Requester) FetchBuyback(ctx context.Context, pageSize int, delay time.Duration) (BuybackScan, error) {
	if delay == 0 {
		delay = DefaultBuybackPageDelay
	}
	pages, err := r.Paginate(ctx, PageRequest{
		Path:           BuybackPath,
		Category:       core.CategoryBuyback,
		EndpointTag:    TagBuyback,
		Mode:           PageModeCursor,
		PageSize:       pageSize,
		SizeParam:      "pageSize",
		InterPageDelay: delay,
	})
	if err != nil {
		return BuybackScan{}, err
	}

	items, err := CollectResults(TagBuyback, pages)
	if err != nil {
		return BuybackScan{}, err
	}
	scan := BuybackScan{Pages: len(pages), Items: make([]map[string]any, 0, len(items))}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return BuybackScan{}, DataError(TagBuyback, "result %d is not an object", i)
		}
		scan.Items = append(scan.Items, obj)
	}
	scan.Total = len(scan.Items)

	r.log().Info("buyback_scan_complete",
		zap.Int("pages", scan.Pages),
		zap.Int("total", scan.Total))
	return scan, nil
}

package output

import (
	"fmt"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/marketplace"
)

// ListingScan is the CLI view of a full listings scan.
type ListingScan struct {
	Total     int                   `json:"total"`
	Active    int                   `json:"active"`
	Skipped   int                   `json:"skipped"`
	Listings  []core.Listing        `json:"listings"`
	Persisted *core.BulkWriteResult `json:"persisted,omitempty"`
}

// NewListingScan counts active listings.
func NewListingScan(listings []core.Listing, skipped int) ListingScan {
	scan := ListingScan{Total: len(listings), Skipped: skipped, Listings: listings}
	for _, listing := range listings {
		if listing.Active {
			scan.Active++
		}
	}
	return scan
}

type listingScanView struct {
	scan ListingScan
}

func (v listingScanView) title() string { return "" }

func (v listingScanView) header() []any {
	return []any{"ID", "SKU", "Grade", "Qty", "Price", "State"}
}

func (v listingScanView) rows() [][]any {
	rows := make([][]any, 0, len(v.scan.Listings))
	for _, l := range v.scan.Listings {
		price := "-"
		if l.Price.Valid {
			price = l.Price.String() + " " + l.Currency
		}
		rows = append(rows, []any{l.ID, l.SKU, l.Grade, l.Quantity, price, l.PublicationState})
	}
	return rows
}

func (v listingScanView) footer() []any {
	summary := fmt.Sprintf("%d listings, %d active", v.scan.Total, v.scan.Active)
	if v.scan.Skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", v.scan.Skipped)
	}
	persisted := ""
	if w := v.scan.Persisted; w != nil {
		persisted = fmt.Sprintf("stored: %d new, %d updated", w.Upserted, w.Modified)
	}
	return []any{"", summary, "", "", "", persisted}
}

// RenderListingScan renders a listings scan.
func RenderListingScan(format Format, scan ListingScan) (string, error) {
	return render(format, scan, listingScanView{scan: scan})
}

// BuybackSummary is the CLI view of a buyback scan.
type BuybackSummary struct {
	Pages  int              `json:"pages"`
	Total  int              `json:"total"`
	Sample []map[string]any `json:"sample"`
}

type buybackView struct {
	summary BuybackSummary
}

func (v buybackView) title() string { return "" }

func (v buybackView) header() []any {
	return []any{"ID", "Product", "SKU", "Grade", "Prices"}
}

func (v buybackView) rows() [][]any {
	rows := make([][]any, 0, len(v.summary.Sample))
	for _, item := range v.summary.Sample {
		rows = append(rows, []any{
			cell(item["id"]),
			cell(item["productId"]),
			cell(item["sku"]),
			cell(item["aestheticGradeCode"]),
			cell(item["prices"]),
		})
	}
	return rows
}

func (v buybackView) footer() []any {
	return []any{"", "", fmt.Sprintf("%d items over %d pages", v.summary.Total, v.summary.Pages), "", ""}
}

// RenderBuybackScan renders the scan totals and the first sampleSize items.
func RenderBuybackScan(format Format, scan marketplace.BuybackScan, sampleSize int) (string, error) {
	if sampleSize < 0 {
		sampleSize = 0
	}
	summary := BuybackSummary{Pages: scan.Pages, Total: scan.Total, Sample: scan.Sample(sampleSize)}
	return render(format, summary, buybackView{summary: summary})
}

func cell(v any) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}

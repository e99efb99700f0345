package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGrade    = "GOOD"
	DefaultCurrency = "GBP"
)

// Listing is the normalized form of an upstream seller listing.
type Listing struct {
	ID               string    `json:"id"`
	ListingID        string    `json:"listing_id,omitempty"`
	ProductID        string    `json:"product_id,omitempty"`
	SKU              string    `json:"sku,omitempty"`
	Grade            string    `json:"grade"`
	PublicationState string    `json:"publication_state,omitempty"`
	Quantity         int       `json:"quantity"`
	Active           bool      `json:"active"`
	Price            Money     `json:"price"`
	MinPrice         Money     `json:"min_price"`
	MaxPrice         Money     `json:"max_price"`
	Currency         string    `json:"currency"`
	Title            string    `json:"title,omitempty"`
	Comment          string    `json:"comment,omitempty"`
	WarrantyDelay    int       `json:"warranty_delay,omitempty"`
	Anomalies        []string  `json:"anomalies,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ExtractQuantity reads `quantity`, then `quantities.available`, defaulting to 0.
func ExtractQuantity(raw map[string]any) int {
	qty, _ := ReadQuantity(raw)
	return qty
}

// ReadQuantity is ExtractQuantity that also reports whether a quantity was present.
func ReadQuantity(raw map[string]any) (int, bool) {
	if raw == nil {
		return 0, false
	}
	if value, ok := raw["quantity"]; ok && value != nil {
		if qty, ok := toInt(value); ok {
			return qty, true
		}
	}
	if nested, ok := raw["quantities"].(map[string]any); ok {
		if qty, ok := toInt(nested["available"]); ok {
			return qty, true
		}
	}
	return 0, false
}

// IDString returns the listing id when it is a non-empty string.
func IDString(raw map[string]any) (string, bool) {
	id, ok := raw["id"].(string)
	if !ok {
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// NormalizeListing converts a raw upstream record into a Listing.
// Money fields that fail to parse are left unset and recorded as anomalies.
func NormalizeListing(raw map[string]any, now time.Time) (Listing, error) {
	id, ok := IDString(raw)
	if !ok {
		return Listing{}, fmt.Errorf("listing id missing or not a string: %v", raw["id"])
	}

	qty := ExtractQuantity(raw)
	listing := Listing{
		ID:               id,
		ListingID:        stringField(raw, "listing_id"),
		ProductID:        stringField(raw, "product_id"),
		SKU:              stringField(raw, "sku"),
		Grade:            stringField(raw, "grade"),
		PublicationState: stringField(raw, "publication_state"),
		Quantity:         qty,
		Active:           qty > 0,
		Currency:         strings.ToUpper(stringField(raw, "currency")),
		Title:            stringField(raw, "title"),
		Comment:          stringField(raw, "comment"),
		UpdatedAt:        now.UTC(),
	}
	if listing.Grade == "" {
		listing.Grade = DefaultGrade
	}
	if listing.Currency == "" {
		listing.Currency = DefaultCurrency
	}
	if delay, ok := toInt(raw["warranty_delay"]); ok {
		listing.WarrantyDelay = delay
	}

	moneyFields := []struct {
		key  string
		dest *Money
	}{
		{"price", &listing.Price},
		{"min_price", &listing.MinPrice},
		{"max_price", &listing.MaxPrice},
	}
	for _, field := range moneyFields {
		value, err := ParseMoney(raw[field.key])
		if err != nil {
			listing.Anomalies = append(listing.Anomalies, fmt.Sprintf("money_parse:%s:%v", field.key, raw[field.key]))
			continue
		}
		*field.dest = value
	}

	return listing, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
		if f, err := v.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return 0, false
}

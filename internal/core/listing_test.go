package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractQuantity(t *testing.T) {
	t.Run("TopLevel", func(t *testing.T) {
		require.Equal(t, 3, ExtractQuantity(map[string]any{"quantity": float64(3)}))
	})

	t.Run("NestedAvailable", func(t *testing.T) {
		raw := map[string]any{"quantities": map[string]any{"available": float64(2)}}
		require.Equal(t, 2, ExtractQuantity(raw))
	})

	t.Run("NullQuantityFallsBack", func(t *testing.T) {
		raw := map[string]any{"quantity": nil, "quantities": map[string]any{"available": "4"}}
		require.Equal(t, 4, ExtractQuantity(raw))
	})

	t.Run("Missing", func(t *testing.T) {
		require.Equal(t, 0, ExtractQuantity(map[string]any{}))
	})
}

func TestNormalizeListing(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := map[string]any{
		"id":        "abc-1",
		"sku":       " SKU-9 ",
		"quantity":  float64(0),
		"price":     "199.9",
		"max_price": float64(250),
		"min_price": "not-a-number",
	}

	listing, err := NormalizeListing(raw, now)
	require.NoError(t, err)
	require.Equal(t, "abc-1", listing.ID)
	require.Equal(t, "SKU-9", listing.SKU)
	require.Equal(t, DefaultGrade, listing.Grade)
	require.Equal(t, DefaultCurrency, listing.Currency)
	require.False(t, listing.Active)
	require.Equal(t, "199.90", listing.Price.String())
	require.Equal(t, "250.00", listing.MaxPrice.String())
	require.False(t, listing.MinPrice.Valid)
	require.Equal(t, []string{"money_parse:min_price:not-a-number"}, listing.Anomalies)
	require.Equal(t, now, listing.UpdatedAt)
}

func TestNormalizeListingRejectsNonStringID(t *testing.T) {
	_, err := NormalizeListing(map[string]any{"id": float64(12)}, time.Now())
	require.Error(t, err)
}

func TestMoneyJSON(t *testing.T) {
	var payload struct {
		Price Money `json:"price"`
		Min   Money `json:"min"`
		Max   Money `json:"max"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"price":"10.5","min":null,"max":12}`), &payload))
	require.Equal(t, "10.50", payload.Price.String())
	require.False(t, payload.Min.Valid)
	require.Equal(t, "12.00", payload.Max.String())

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"price":"10.50","min":null,"max":"12.00"}`, string(out))
}

func TestListingIndexActiveIDs(t *testing.T) {
	idx := ListingIndex{
		"a": {Quantity: 1, Active: true},
		"b": {Quantity: 0},
		"c": {Quantity: -1},
	}
	active := idx.ActiveIDs()
	require.Len(t, active, 1)
	require.Contains(t, active, "a")
}

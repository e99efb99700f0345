package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a two-place decimal amount that serializes as a string.
type Money struct {
	Amount decimal.Decimal
	Valid  bool
}

// NewMoney parses a decimal string into Money rounded to two places.
func NewMoney(value string) (Money, error) {
	return ParseMoney(value)
}

// ParseMoney accepts strings, JSON numbers, and Go numeric values.
// Nil and blank input yield an invalid Money without error.
func ParseMoney(raw any) (Money, error) {
	var (
		d   decimal.Decimal
		err error
	)

	switch v := raw.(type) {
	case nil:
		return Money{}, nil
	case Money:
		return v, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return Money{}, nil
		}
		d, err = decimal.NewFromString(trimmed)
	case json.Number:
		d, err = decimal.NewFromString(v.String())
	case float64:
		d = decimal.NewFromFloat(v)
	case float32:
		d = decimal.NewFromFloat32(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	default:
		return Money{}, fmt.Errorf("unsupported money value %T", raw)
	}
	if err != nil {
		return Money{}, fmt.Errorf("parse money %v: %w", raw, err)
	}

	return Money{Amount: d.Round(2), Valid: true}, nil
}

// String renders the amount with exactly two decimal places.
func (m Money) String() string {
	if !m.Valid {
		return ""
	}
	return m.Amount.StringFixed(2)
}

// MarshalJSON renders Money as a quoted decimal string or null.
func (m Money) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a quoted decimal, a bare number, or null.
func (m *Money) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*m = Money{}
		return nil
	}

	var raw any
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		raw = s
	} else {
		raw = json.Number(string(trimmed))
	}

	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

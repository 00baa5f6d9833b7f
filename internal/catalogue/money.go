package catalogue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a price with two decimal places. It encodes as a JSON string
// ("12.50") and decodes from either a string or a number.
type Money struct {
	decimal.Decimal
}

// ZeroPrice is the price given to rows the inventory service creates.
var ZeroPrice = Money{decimal.Zero}

// NewMoney parses s, rounding to two places.
func NewMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return Money{d.Round(2)}, nil
}

// MustMoney is NewMoney for constants; it panics on bad input.
func MustMoney(s string) Money {
	m, err := NewMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) String() string {
	return m.StringFixed(2)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	parsed, err := NewMoney(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

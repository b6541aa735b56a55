package corewatch

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the fixed number of fractional digits preserved for every
// monetary value the core records. Both watched chain families denominate
// in 1e-8 units (satoshis / zatoshis), so amounts are always exact to 8
// decimal places and are never represented as a binary float.
const AmountScale = 8

// Amount is an exact base-10 monetary value with AmountScale fractional
// digits. It wraps decimal.Decimal rather than float64 so that "0.00000001"
// round-trips through storage and JSON without representation error.
type Amount struct {
	dec decimal.Decimal
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{dec: decimal.Zero}

// ParseAmount parses a base-10 decimal string into an Amount, rejecting
// scientific notation, NaN-like input, and anything decimal can't parse
// exactly.
func ParseAmount(s string) (Amount, error) {
	if strings.ContainsAny(s, "eE") {
		return Amount{}, fmt.Errorf("corewatch: invalid amount %q: exponent notation not accepted", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("corewatch: invalid amount %q: %w", s, err)
	}
	return Amount{dec: d.Truncate(AmountScale)}, nil
}

// AmountFromSatoshis builds an Amount from an integer count of the smallest
// unit (satoshi for BTC-family, zatoshi for ZEC-family).
func AmountFromSatoshis(sats int64) Amount {
	return Amount{dec: decimal.New(sats, -AmountScale)}
}

// String renders the exact decimal text form, e.g. "0.00050000".
func (a Amount) String() string {
	return a.dec.StringFixed(AmountScale)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.dec.IsZero()
}

// Equal reports numeric equality: amounts that differ only in trailing
// zeros (for example "1.5" and "1.50000000") compare equal.
func (a Amount) Equal(b Amount) bool {
	return a.dec.Equal(b.dec)
}

// MarshalJSON renders the amount as a JSON string, never a JSON number, so
// downstream consumers never round-trip it through a float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or, defensively, a bare JSON
// number (some node RPC responses emit amounts unquoted).
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

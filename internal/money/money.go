package money

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// decimalFractionTag is the CBOR tag for a decimal fraction: an array of
// [exponent, mantissa] with value mantissa * 10^exponent (RFC 8949 §3.4.4).
const decimalFractionTag = 4

// Amount is an exact fixed-point money value. It travels on the wire as a
// CBOR decimal fraction so client and server always agree on cents; an
// amount must never pass through a binary float.
type Amount struct {
	dec decimal.Decimal
}

// Zero is the zero amount.
var Zero Amount

func FromInt(n int64) Amount { return Amount{decimal.NewFromInt(n)} }

// FromFloat converts a binary float to its shortest decimal reading.
// Parameter files may carry floats; wire payloads never should.
func FromFloat(f float64) Amount { return Amount{decimal.NewFromFloat(f)} }

// FromCents builds an amount from a whole number of cents.
func FromCents(c int64) Amount { return Amount{decimal.New(c, -2)} }

// FromBigInt builds coef * 10^exp.
func FromBigInt(coef *big.Int, exp int32) Amount {
	return Amount{decimal.NewFromBigInt(coef, exp)}
}

func FromDecimal(d decimal.Decimal) Amount { return Amount{d} }

func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Amount{d}, nil
}

// MustParse is FromString for literals known to be valid.
func MustParse(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal { return a.dec }

func (a Amount) Add(b Amount) Amount { return Amount{a.dec.Add(b.dec)} }
func (a Amount) Sub(b Amount) Amount { return Amount{a.dec.Sub(b.dec)} }
func (a Amount) Mul(b Amount) Amount { return Amount{a.dec.Mul(b.dec)} }
func (a Amount) Neg() Amount         { return Amount{a.dec.Neg()} }
func (a Amount) Abs() Amount         { return Amount{a.dec.Abs()} }

func (a Amount) Cmp(b Amount) int                 { return a.dec.Cmp(b.dec) }
func (a Amount) Equal(b Amount) bool              { return a.dec.Equal(b.dec) }
func (a Amount) LessThan(b Amount) bool           { return a.dec.LessThan(b.dec) }
func (a Amount) GreaterThan(b Amount) bool        { return a.dec.GreaterThan(b.dec) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.dec.GreaterThanOrEqual(b.dec) }

func (a Amount) IsZero() bool     { return a.dec.IsZero() }
func (a Amount) IsNegative() bool { return a.dec.IsNegative() }
func (a Amount) IsPositive() bool { return a.dec.IsPositive() }

// Quantize rounds half away from zero to the given number of decimal places.
func (a Amount) Quantize(places int32) Amount { return Amount{a.dec.Round(places)} }

// Cents returns the amount as whole cents, rounding half away from zero if
// sub-cent precision is present.
func (a Amount) Cents() int64 { return a.dec.Shift(2).Round(0).IntPart() }

func (a Amount) String() string { return a.dec.String() }

// StringFixed renders with a fixed number of decimal places, for ledgers.
func (a Amount) StringFixed(places int32) string { return a.dec.StringFixed(places) }

// MarshalCBOR encodes the amount as a tag 4 decimal fraction. The mantissa
// is an int64 when it fits and a bignum otherwise.
func (a Amount) MarshalCBOR() ([]byte, error) {
	coef := a.dec.Coefficient()
	var mant interface{}
	if coef.IsInt64() {
		mant = coef.Int64()
	} else {
		mant = coef
	}
	return cbor.Marshal(cbor.Tag{
		Number:  decimalFractionTag,
		Content: []interface{}{int64(a.dec.Exponent()), mant},
	})
}

// UnmarshalCBOR accepts a tag 4 decimal fraction or a bare integer. Floats
// are rejected: once an amount has been through a binary float its cents can
// no longer be trusted.
func (a *Amount) UnmarshalCBOR(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("money: empty CBOR value")
	}
	switch data[0] >> 5 {
	case 0, 1: // unsigned or negative integer
		var n int64
		if err := cbor.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("money: decode integer amount: %w", err)
		}
		a.dec = decimal.NewFromInt(n)
		return nil
	case 6: // tagged value
	default:
		return fmt.Errorf("money: CBOR major type %d is not an amount", data[0]>>5)
	}

	var raw cbor.RawTag
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("money: decode tag: %w", err)
	}
	if raw.Number != decimalFractionTag {
		return fmt.Errorf("money: unexpected CBOR tag %d", raw.Number)
	}
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("money: decode decimal fraction: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("money: decimal fraction has %d elements, want 2", len(parts))
	}
	var exp int64
	if err := cbor.Unmarshal(parts[0], &exp); err != nil {
		return fmt.Errorf("money: decode exponent: %w", err)
	}
	coef := new(big.Int)
	if err := cbor.Unmarshal(parts[1], coef); err != nil {
		return fmt.Errorf("money: decode mantissa: %w", err)
	}
	a.dec = decimal.NewFromBigInt(coef, int32(exp))
	return nil
}

// UnmarshalYAML parses the scalar's literal text, so 0.15 in a parameter
// file is exactly fifteen cents regardless of float representability.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	d, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("money: parse %q: %w", value.Value, err)
	}
	a.dec = d
	return nil
}

// MarshalJSON renders a bare decimal number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.dec.String()), nil
}

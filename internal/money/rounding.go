package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rounding is a payout rounding policy. The -up policies never pay a subject
// less than the raw earnings figure.
type Rounding string

const (
	RoundPenny     Rounding = "penny"
	RoundQuarter   Rounding = "quarter"
	RoundQuarterUp Rounding = "quarter-up"
	RoundDollar    Rounding = "dollar"
	RoundDollarUp  Rounding = "dollar-up"
)

var quarterStep = decimal.New(25, -2)

func ParseRounding(s string) (Rounding, error) {
	switch r := Rounding(s); r {
	case RoundPenny, RoundQuarter, RoundQuarterUp, RoundDollar, RoundDollarUp:
		return r, nil
	}
	return "", fmt.Errorf("money: unknown rounding policy %q", s)
}

// Apply rounds a payout to the policy's step. Plain policies round half away
// from zero; the -up policies always round toward the next step.
func (r Rounding) Apply(a Amount) Amount {
	switch r {
	case RoundPenny:
		return Amount{a.dec.Round(2)}
	case RoundQuarter:
		return Amount{stepRound(a.dec, quarterStep, false)}
	case RoundQuarterUp:
		return Amount{stepRound(a.dec, quarterStep, true)}
	case RoundDollar:
		return Amount{a.dec.Round(0)}
	case RoundDollarUp:
		return Amount{a.dec.Ceil()}
	}
	return a
}

func stepRound(d, step decimal.Decimal, up bool) decimal.Decimal {
	q := d.Div(step)
	if up {
		q = q.Ceil()
	} else {
		q = q.Round(0)
	}
	return q.Mul(step)
}

package market

import (
	"errors"
	"fmt"

	"github.com/econlab/server/internal/money"
)

// Color of a chip, a seat, or an auction.
type Color string

const (
	Blue Color = "blue"
	Red  Color = "red"
)

func (c Color) Other() Color {
	if c == Blue {
		return Red
	}
	return Blue
}

// Rejection codes, sent verbatim to the offending trader.
const (
	CodeBidTooLow        = "bidTooLow"
	CodeAskTooHigh       = "askTooHigh"
	CodeNotEnoughDollars = "notEnoughDollars"
	CodeNotEnoughChips   = "notEnoughChips"
)

// ErrWrongSide reports a bid from the selling color or an ask from the
// buying color. Those are dropped, not answered.
var ErrWrongSide = errors.New("market: trader is on the wrong side of this auction")

// ValidationError is a rejected bid or ask, carrying the client-facing code.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("market: rejected (%s)", e.Code)
}

func reject(code string) error {
	return &ValidationError{Code: code}
}

// Account is the market's view of one seat's holdings for the current
// round.
type Account struct {
	Seat    int
	Name    string
	Color   Color
	Dollars money.Amount
	Blue    int
	Red     int
	Green   int
}

func (a *Account) Chips(c Color) int {
	if c == Blue {
		return a.Blue
	}
	return a.Red
}

func (a *Account) AddChips(c Color, n int) {
	if c == Blue {
		a.Blue += n
	} else {
		a.Red += n
	}
}

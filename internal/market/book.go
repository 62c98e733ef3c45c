package market

import (
	"github.com/econlab/server/internal/money"
)

// Trade is one executed transaction: the price is always the amount of the
// post that caused the crossing.
type Trade struct {
	Buyer  *Account
	Seller *Account
	Price  money.Amount
	Color  Color
}

// Book is one group's standing auction for a single chip color. The empty
// book behaves as highBid = -inf and lowAsk = +inf: any positive bid and any
// positive ask stand. Until a crossing, the high bid strictly increases and
// the low ask strictly decreases; a crossing executes a trade and resets the
// book.
type Book struct {
	color Color

	highBid money.Amount
	bidder  *Account

	lowAsk money.Amount
	seller *Account
}

// NewBook opens an auction in chips of the given color.
func NewBook(color Color) *Book {
	return &Book{color: color}
}

func (b *Book) Color() Color { return b.color }

// HighBid reports the standing bid; ok is false while the book has none.
func (b *Book) HighBid() (money.Amount, *Account, bool) {
	return b.highBid, b.bidder, b.bidder != nil
}

// LowAsk reports the standing ask; ok is false while the book has none.
func (b *Book) LowAsk() (money.Amount, *Account, bool) {
	return b.lowAsk, b.seller, b.seller != nil
}

// Reset clears both sides of the book.
func (b *Book) Reset() {
	b.highBid = money.Zero
	b.bidder = nil
	b.lowAsk = money.Zero
	b.seller = nil
}

// Bid posts a buy offer. Amounts are quantized to one decimal place. A bid
// from the auction's own color is the wrong side. The bid must beat the
// standing high bid and be covered by the trader's dollars. If it meets the
// standing ask, the trade executes at the bid amount and both holdings are
// updated.
func (b *Book) Bid(from *Account, amount money.Amount) (*Trade, error) {
	if from.Color == b.color {
		return nil, ErrWrongSide
	}
	amount = amount.Quantize(1)
	if !amount.IsPositive() {
		return nil, reject(CodeBidTooLow)
	}
	if b.bidder != nil && !amount.GreaterThan(b.highBid) {
		return nil, reject(CodeBidTooLow)
	}
	if from.Dollars.LessThan(amount) {
		return nil, reject(CodeNotEnoughDollars)
	}

	b.highBid = amount
	b.bidder = from

	if b.seller != nil && b.highBid.GreaterThanOrEqual(b.lowAsk) {
		return b.execute(amount), nil
	}
	return nil, nil
}

// Ask posts a sell offer. Amounts are quantized to one decimal place. An
// ask from the buying color is the wrong side. The ask must undercut the
// standing low ask and the trader must hold at least one chip. If it meets
// the standing bid, the trade executes at the ask amount.
func (b *Book) Ask(from *Account, amount money.Amount) (*Trade, error) {
	if from.Color != b.color {
		return nil, ErrWrongSide
	}
	amount = amount.Quantize(1)
	if !amount.IsPositive() {
		return nil, reject(CodeAskTooHigh)
	}
	if b.seller != nil && !amount.LessThan(b.lowAsk) {
		return nil, reject(CodeAskTooHigh)
	}
	if from.Chips(b.color) < 1 {
		return nil, reject(CodeNotEnoughChips)
	}

	b.lowAsk = amount
	b.seller = from

	if b.bidder != nil && b.highBid.GreaterThanOrEqual(b.lowAsk) {
		return b.execute(amount), nil
	}
	return nil, nil
}

// execute settles one chip at the given price and resets the book.
func (b *Book) execute(price money.Amount) *Trade {
	t := &Trade{
		Buyer:  b.bidder,
		Seller: b.seller,
		Price:  price,
		Color:  b.color,
	}

	t.Buyer.Dollars = t.Buyer.Dollars.Sub(price)
	t.Seller.Dollars = t.Seller.Dollars.Add(price)
	t.Buyer.AddChips(b.color, 1)
	t.Seller.AddChips(b.color, -1)

	b.Reset()
	return t
}

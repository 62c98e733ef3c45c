package island

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/econlab/server/internal/control"
	"github.com/econlab/server/internal/market"
	"github.com/econlab/server/internal/persist"
	"github.com/econlab/server/internal/wire"
)

// auctionPhase runs one color's continuous double auction until the timer
// fires. Every group trades on its own book; broadcasts stay inside the
// trader's group. Event timestamps run on the session auction clock:
// baseTime plus the seconds elapsed in this auction.
func (ic *Control) auctionPhase(d *control.Driver, color market.Color) error {
	m := ic.match
	ic.auctionColor = color
	ic.inAuction = true
	defer func() { ic.inAuction = false }()

	for _, g := range ic.groups {
		g.book = market.NewBook(color)
	}

	start := wire.NewGM(wire.GMAuction)
	start["color"] = string(color)
	start["auctionTime"] = m.AuctionTime
	d.TellAll(start)
	d.StartTimer(time.Duration(m.AuctionTime) * time.Second)

	for {
		seat, gm, ok := d.RecvGM()
		if !ok {
			return fmt.Errorf("island: session closed during %s auction", color)
		}
		if seat == nil {
			// Timer. The next auction's clock starts where this one ended.
			ic.baseTime += float64(m.AuctionTime)
			d.TellAll(gm)
			return nil
		}

		sub := gm.Subtype()
		if sub != wire.GMBid && sub != wire.GMAsk {
			continue
		}
		amt := gm.Amount("amount")
		if !amt.IsPositive() {
			continue
		}
		amt = amt.Quantize(1)

		st := state(seat)
		g := ic.groups[seat.Group]
		when := ic.baseTime + (float64(m.AuctionTime) - d.TimeLeft().Seconds())

		var trade *market.Trade
		var err error
		if sub == wire.GMBid {
			trade, err = g.book.Bid(st.acct, amt)
		} else {
			trade, err = g.book.Ask(st.acct, amt)
		}
		if errors.Is(err, market.ErrWrongSide) {
			continue
		}
		var rejected *market.ValidationError
		if errors.As(err, &rejected) {
			em := wire.NewGM(wire.GMError)
			em["error"] = rejected.Code
			d.Tell(seat, em)
			continue
		}
		if err != nil {
			return err
		}

		post := wire.NewGM(sub)
		post["id"] = seat.ID
		post["amount"] = amt
		d.TellSeats(g.seats, post)
		if sub == wire.GMBid {
			g.record(ic.matchNum, ic.matchRound, color, wire.Message{
				"action": "bid", "buyer": seat.ID, "bid": amt, "time": when,
			})
		} else {
			g.record(ic.matchNum, ic.matchRound, color, wire.Message{
				"action": "ask", "seller": seat.ID, "ask": amt, "time": when,
			})
		}

		if trade != nil {
			if err := ic.settle(d, g, color, trade, when); err != nil {
				return err
			}
		}
	}
}

// settle finishes a crossed book: rescore both sides, tell the group,
// refresh both screens and log the accept row.
func (ic *Control) settle(d *control.Driver, g *group, color market.Color, trade *market.Trade, when float64) error {
	buyer := d.Table().Get(trade.Buyer.Seat)
	seller := d.Table().Get(trade.Seller.Seat)
	if err := ic.rescore(state(buyer)); err != nil {
		return err
	}
	if err := ic.rescore(state(seller)); err != nil {
		return err
	}

	tx := wire.NewGM(wire.GMTransaction)
	tx["buyerID"] = trade.Buyer.Seat
	tx["sellerID"] = trade.Seller.Seat
	tx["amount"] = trade.Price
	d.TellSeats(g.seats, tx)
	ic.sendAcct(d, buyer)
	ic.sendAcct(d, seller)

	g.record(ic.matchNum, ic.matchRound, color, wire.Message{
		"action": "accept",
		"buyer":  trade.Buyer.Seat,
		"accept": trade.Price,
		"seller": trade.Seller.Seat,
		"time":   when,
	})
	return nil
}

// flushMarket converts the round's raw event log into market-history rows.
func (ic *Control) flushMarket(d *control.Driver) {
	for _, g := range ic.groups {
		evs := g.hist[ic.matchNum][ic.matchRound]
		for _, color := range []market.Color{market.Blue, market.Red} {
			for _, ev := range evs[string(color)] {
				d.AddMarketEvent(marketRow(ic.matchNum+1, ic.matchRound+1, g.id, color, ev))
			}
		}
	}
}

func marketRow(match, round, groupID int, color market.Color, ev wire.Message) persist.MarketEvent {
	row := persist.MarketEvent{
		Match:  match,
		Round:  round,
		Group:  groupID,
		Market: string(color),
		Action: ev.Str("action"),
		Time:   ev.Float("time"),
	}
	if ev.Has("buyer") {
		row.Buyer = strconv.Itoa(ev.Int("buyer"))
	}
	if ev.Has("seller") {
		row.Seller = strconv.Itoa(ev.Int("seller"))
	}
	if ev.Has("bid") {
		row.Bid = ev.Amount("bid").String()
	}
	if ev.Has("accept") {
		row.Accept = ev.Amount("accept").String()
	}
	if ev.Has("ask") {
		row.Ask = ev.Amount("ask").String()
	}
	return row
}

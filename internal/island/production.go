package island

import (
	"fmt"
	"time"

	"github.com/econlab/server/internal/control"
	"github.com/econlab/server/internal/market"
	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

// productionPhase runs one color's production choice. Money shocks land
// first, then every seat is prompted: producers of the auction color get
// the schedule, everyone else a bare notice they acknowledge. Producers
// who have not answered when the timer fires take the middle choice.
func (ic *Control) productionPhase(d *control.Driver, color market.Color) error {
	m := ic.match

	pf := m.PFBlue
	shockRounds := m.PFShockRoundsBlue
	shockedPF := m.PFBlueShocked
	if color == market.Red {
		pf, shockRounds, shockedPF = m.PFRed, m.PFShockRoundsRed, m.PFRedShocked
	}
	shocked := containsRound(shockRounds, ic.matchRound+1)
	if shocked {
		pf = shockedPF
	}

	realized, err := ic.applyMoneyShocks(color)
	if err != nil {
		return err
	}

	prompts := make(map[int]wire.Message, ic.prm.Session.NumPlayers)
	for _, g := range ic.groups {
		for _, seat := range g.seats {
			st := state(seat)
			pm := wire.NewGM(wire.GMProduction)
			pm["color"] = string(color)
			pm["timeLimit"] = m.ProdChoiceTime
			if st.acct.Color == color {
				pm["pf"] = pfPayload(pf)
				pm["prodShock"] = shocked
			}
			if amt, ok := realized[seat.ID]; ok {
				pm["moneyShock"] = true
				pm["moneyShockAmount"] = amt
			}
			prompts[seat.ID] = pm
		}
	}

	d.StartTimer(time.Duration(m.ProdChoiceTime) * time.Second)
	ic.inProduction = true
	replies, timedOut, ok := d.AskAllUntilTimeup(prompts,
		fmt.Sprintf("Waiting for %s production choice", color), "Ready")
	ic.inProduction = false
	if !ok {
		return fmt.Errorf("island: session closed during %s production", color)
	}
	if !timedOut {
		d.CancelTimer()
	}

	chosen := make(map[int]params.PFPair)
	for _, g := range ic.groups {
		for _, seat := range g.seats {
			st := state(seat)
			if st.acct.Color != color {
				continue
			}
			i := chooseIndex(replies[seat.ID], len(pf))
			st.acct.Green += pf[i].Green
			st.acct.AddChips(color, pf[i].Color)
			if err := ic.rescore(st); err != nil {
				return err
			}
			chosen[seat.ID] = pf[i]

			ev := ic.roundEvents(seat)
			ev["productionChoice_green"] = pf[i].Green
			ev["productionChoice_"+string(color)] = pf[i].Color
			if shocked {
				ev["prodShock"] = 1
			}
		}
	}

	for _, g := range ic.groups {
		for _, seat := range g.seats {
			ic.sendAcct(d, seat)
			cm := wire.NewGM(wire.GMProductionChoice)
			cm["color"] = string(color)
			if p, produced := chosen[seat.ID]; produced {
				cm["green"] = p.Green
				cm[string(color)] = p.Color
			}
			d.Tell(seat, cm)
		}
	}
	return nil
}

// applyMoneyShocks lands every shock scheduled for this color and round.
// Each group partitions the full amount among its recipients; the realized
// per-seat delta after the zero clamp comes back for the prompts.
func (ic *Control) applyMoneyShocks(color market.Color) (map[int]money.Amount, error) {
	m := ic.match
	realized := make(map[int]money.Amount)
	for _, shock := range m.MoneyShocks {
		if shock.Market != string(color) || shock.Round != ic.matchRound+1 {
			continue
		}
		for _, g := range ic.groups {
			targets := g.shockTargets(shock.Who)
			if len(targets) == 0 {
				continue
			}
			parts, err := money.SplitCents(shock.Amount, len(targets), ic.rng)
			if err != nil {
				return nil, err
			}
			for i, seat := range targets {
				st := state(seat)
				before := st.acct.Dollars
				after := before.Add(parts[i])
				if after.IsNegative() && !m.AllowNegativeDollars {
					after = money.Zero
				}
				st.acct.Dollars = after
				got := after.Sub(before)
				if err := ic.rescore(st); err != nil {
					return nil, err
				}

				ev := ic.roundEvents(seat)
				ev["moneyShock_"+string(color)+"Mkt"] = 1
				ev["moneyShockAmount_"+string(color)+"Mkt"] = parts[i]
				ev["moneyShockAmountRealized_"+string(color)+"Mkt"] = got
				if prev, again := realized[seat.ID]; again {
					got = prev.Add(got)
				}
				realized[seat.ID] = got
			}
		}
	}
	return realized, nil
}

func (g *group) shockTargets(who int) []*roster.Seat {
	var out []*roster.Seat
	for _, seat := range g.seats {
		color := state(seat).acct.Color
		switch who {
		case params.ShockWhoBlue:
			if color == market.Blue {
				out = append(out, seat)
			}
		case params.ShockWhoRed:
			if color == market.Red {
				out = append(out, seat)
			}
		default:
			out = append(out, seat)
		}
	}
	return out
}

// chooseIndex picks the schedule entry a reply names, clamped to the
// schedule. A producer that never answered takes the middle entry.
func chooseIndex(reply wire.Message, n int) int {
	i := n / 2
	if reply.Has("choice") {
		i = reply.Int("choice")
	}
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}

func containsRound(rounds []int, r int) bool {
	for _, x := range rounds {
		if x == r {
			return true
		}
	}
	return false
}

// pfPayload renders the schedule as [green, color] pairs for the wire.
func pfPayload(pf []params.PFPair) [][]int {
	out := make([][]int, len(pf))
	for i, p := range pf {
		out[i] = []int{p.Green, p.Color}
	}
	return out
}

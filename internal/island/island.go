package island

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/control"
	"github.com/econlab/server/internal/market"
	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/persist"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/scripting"
	"github.com/econlab/server/internal/wire"
)

func init() {
	control.Register("island", New)
}

// Control runs the island economy: every round each trading group plays a
// production phase and a continuous double auction on the blue market, then
// on the red one. Holdings are scored by a per-match formula and the match
// score converts to earnings at the match's exchange rate.
type Control struct {
	prm *params.Params
	log *zap.Logger
	rng *rand.Rand

	matchNum   int // 0-based
	matchRound int // 0-based, within the match
	baseTime   float64

	match   *params.Match
	formula *scripting.Formula
	groups  []*group

	auctionColor market.Color
	choicesMade  []string
	inProduction bool
	inAuction    bool
}

func New(p *params.Params, log *zap.Logger) (control.Controller, error) {
	return &Control{
		prm: p,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// seatState is the island bookkeeping for one seat, hung off the seat's
// scratch slot.
type seatState struct {
	acct *market.Account

	roundScore int
	matchScore int

	// events[m][r] collects the production and shock outcomes of round r
	// of match m. The keys become history columns and the whole structure
	// replays on reconnect.
	events [][]wire.Message

	matchInit wire.Message
}

// group is one trading group: its seats, the blue half, the current book
// and the market event log.
type group struct {
	id      int
	seats   []*roster.Seat
	blueIDs []int
	book    *market.Book

	// hist[m][r][color] is the ordered event log of one auction.
	hist [][]map[string][]wire.Message
}

func (g *group) record(match, round int, color market.Color, ev wire.Message) {
	h := g.hist[match][round]
	h[string(color)] = append(h[string(color)], ev)
}

func state(seat *roster.Seat) *seatState {
	st, _ := seat.Scratch.(*seatState)
	return st
}

func (ic *Control) GUIName() string { return "IslandGUI" }

func (ic *Control) NumPlayers() int { return ic.prm.Session.NumPlayers }

func (ic *Control) Rounding() money.Rounding { return ic.prm.Session.Rounding }

func (ic *Control) ShowUpPayment() money.Amount { return ic.prm.Session.ShowUpPayment }

func (ic *Control) SurveyFile() string { return ic.prm.Session.SurveyFile }

func (ic *Control) InitExtras(*roster.Seat) wire.Message { return nil }

func (ic *Control) PostRound(*control.Driver) error { return nil }

// InitClients shuffles the seats into trading groups and deals colors, blue
// to even positions within the group and red to odd ones.
func (ic *Control) InitClients(d *control.Driver) error {
	seats := append([]*roster.Seat(nil), d.Table().Seats()...)
	ic.rng.Shuffle(len(seats), func(i, j int) { seats[i], seats[j] = seats[j], seats[i] })

	size := ic.prm.Matches[0].GroupSize
	for pos := 0; pos < len(seats); pos += size {
		g := &group{id: len(ic.groups)}
		for i, seat := range seats[pos : pos+size] {
			color := market.Blue
			if i%2 == 1 {
				color = market.Red
			}
			seat.Group = g.id
			seat.Scratch = &seatState{acct: &market.Account{
				Seat:  seat.ID,
				Name:  seat.Name,
				Color: color,
			}}
			g.seats = append(g.seats, seat)
			if color == market.Blue {
				g.blueIDs = append(g.blueIDs, seat.ID)
			}
		}
		ic.groups = append(ic.groups, g)
	}

	ic.log.Info("分組完成",
		zap.Int("groups", len(ic.groups)),
		zap.Int("groupSize", size))
	return nil
}

// initMatch compiles the match formula, installs the chat policy, resets
// every account to the match's starting dollars and tells each seat its
// color and group makeup.
func (ic *Control) initMatch(d *control.Driver) error {
	m := &ic.prm.Matches[ic.matchNum]
	ic.match = m

	if ic.formula != nil {
		ic.formula.Close()
	}
	f, err := scripting.CompileFormula(m.ScoringFormula)
	if err != nil {
		return err
	}
	ic.formula = f

	switch m.Chat {
	case params.ChatAll:
		d.EnableChat(nil)
	case params.ChatSameColor:
		d.EnableChat(func(from, to *roster.Seat) bool {
			a, b := state(from), state(to)
			return a != nil && b != nil && a.acct.Color == b.acct.Color
		})
	default:
		d.DisableChat()
	}
	chat := m.Chat
	if chat == "" {
		chat = params.ChatNone
	}

	for _, g := range ic.groups {
		g.hist = append(g.hist, nil)
		for _, seat := range g.seats {
			st := state(seat)
			st.acct.Dollars = m.StartingDollars
			st.acct.Blue, st.acct.Red, st.acct.Green = 0, 0, 0
			st.matchScore = 0
			if err := ic.rescore(st); err != nil {
				return err
			}
			st.events = append(st.events, nil)

			init := wire.NewGM(wire.GMInitMatch)
			init["color"] = string(st.acct.Color)
			init["chat"] = chat
			init["blueIDs"] = g.blueIDs
			st.matchInit = init
			d.Tell(seat, init)
		}
	}

	ic.log.Info("比賽開始",
		zap.Int("match", ic.matchNum+1),
		zap.Int("rounds", m.NumRounds),
		zap.Bool("practice", m.Practice))
	return nil
}

// RunRound drives one island round. The sequence per color is production
// then auction; scores, earnings and the persisted rows settle at the end.
func (ic *Control) RunRound(d *control.Driver) (bool, error) {
	if ic.matchRound == 0 {
		if err := ic.initMatch(d); err != nil {
			return false, err
		}
	}
	m := ic.match

	mr := wire.NewGM(wire.GMMatchAndRound)
	mr["match"] = ic.matchNum + 1
	mr["round"] = ic.matchRound + 1
	mr["practice"] = m.Practice
	d.TellAll(mr)

	ic.choicesMade = ic.choicesMade[:0]
	for _, g := range ic.groups {
		g.hist[ic.matchNum] = append(g.hist[ic.matchNum], map[string][]wire.Message{
			string(market.Blue): nil,
			string(market.Red):  nil,
		})
		for _, seat := range g.seats {
			st := state(seat)
			st.events[ic.matchNum] = append(st.events[ic.matchNum], wire.Message{})
			if m.ResetBalances {
				st.acct.Blue, st.acct.Red, st.acct.Green = 0, 0, 0
				if err := ic.rescore(st); err != nil {
					return false, err
				}
			}
			ic.sendAcct(d, seat)
		}
	}

	for _, color := range []market.Color{market.Blue, market.Red} {
		if err := ic.productionPhase(d, color); err != nil {
			return false, err
		}
		ic.choicesMade = append(ic.choicesMade, string(color))
		if err := ic.auctionPhase(d, color); err != nil {
			return false, err
		}
	}

	lastRound := ic.matchRound == m.NumRounds-1
	for _, g := range ic.groups {
		for _, seat := range g.seats {
			st := state(seat)
			if m.ResetBalances {
				st.matchScore += st.roundScore
			} else {
				st.matchScore = st.roundScore
			}
			ic.sendAcct(d, seat)
			if lastRound {
				payout := money.FromInt(int64(st.matchScore)).Mul(m.ExchangeRate)
				seat.Earnings = seat.Earnings.Add(payout)
			}
			d.AddHistoryRow(ic.historyRow(seat, st))
		}
	}
	ic.flushMarket(d)

	if lastRound {
		ic.matchNum++
		ic.matchRound = 0
		return ic.matchNum < len(ic.prm.Matches), nil
	}
	ic.matchRound++
	return true, nil
}

func (ic *Control) historyRow(seat *roster.Seat, st *seatState) persist.HistoryRow {
	values := map[string]interface{}{
		"color":      string(st.acct.Color),
		"dollars":    st.acct.Dollars,
		"blue":       st.acct.Blue,
		"red":        st.acct.Red,
		"green":      st.acct.Green,
		"roundScore": st.roundScore,
		"matchScore": st.matchScore,
	}
	for k, v := range ic.roundEvents(seat) {
		values[k] = v
	}
	return persist.HistoryRow{
		Match:        ic.matchNum + 1,
		Practice:     ic.match.Practice,
		ExchangeRate: ic.match.ExchangeRate,
		Round:        ic.matchRound + 1,
		Subject:      seat.ID,
		Group:        seat.Group,
		Values:       values,
	}
}

// rescore reruns the match formula over one seat's holdings.
func (ic *Control) rescore(st *seatState) error {
	dollars, _ := st.acct.Dollars.Decimal().Float64()
	score, err := ic.formula.Eval(dollars, st.acct.Blue, st.acct.Red, st.acct.Green)
	if err != nil {
		return err
	}
	st.roundScore = int(math.Round(score))
	return nil
}

// roundEvents is the mutable event map of the seat's current round.
func (ic *Control) roundEvents(seat *roster.Seat) wire.Message {
	return state(seat).events[ic.matchNum][ic.matchRound]
}

func acctPayload(st *seatState) wire.Message {
	return wire.Message{
		"dollars":    st.acct.Dollars,
		"blue":       st.acct.Blue,
		"red":        st.acct.Red,
		"green":      st.acct.Green,
		"roundScore": st.roundScore,
		"matchScore": st.matchScore,
	}
}

func (ic *Control) sendAcct(d *control.Driver, seat *roster.Seat) {
	m := wire.NewGM(wire.GMAcctUpdate)
	m["acct"] = acctPayload(state(seat))
	d.Tell(seat, m)
}

// ReinitPayload rebuilds everything a reconnected screen needs to redraw
// itself mid-round. The mutable structures are copied: the write worker
// serializes the payload after this returns, while the round keeps moving.
func (ic *Control) ReinitPayload(d *control.Driver, seat *roster.Seat) wire.Message {
	m := d.InitMessage(seat)
	st := state(seat)
	if st == nil {
		return m
	}
	m["match"] = ic.matchNum
	m["round"] = ic.matchRound
	m["matchInitMessage"] = st.matchInit
	m["acct"] = acctPayload(st)
	m["events"] = copyEvents(st.events)
	m["mktHist"] = copyHist(ic.groups[seat.Group].hist)
	m["productionChoicesMade"] = append([]string(nil), ic.choicesMade...)
	m["auctionInProgress"] = ic.inAuction
	m["unansweredMessage"] = seat.Unanswered
	return m
}

// OnUnpause restarts an interrupted timed phase for the remaining seconds.
// An auction is also rebroadcast so the reconnected screen rebuilds its
// clock; production prompts already carry their own deadline.
func (ic *Control) OnUnpause(d *control.Driver) {
	secs := int(math.Round(d.TimeLeftAtCancel().Seconds()))
	switch {
	case ic.inAuction:
		m := wire.NewGM(wire.GMAuction)
		m["color"] = string(ic.auctionColor)
		m["auctionTime"] = secs
		d.TellAll(m)
		d.StartTimer(time.Duration(secs) * time.Second)
	case ic.inProduction:
		d.StartTimer(time.Duration(secs) * time.Second)
	}
}

func copyEvents(events [][]wire.Message) [][]wire.Message {
	out := make([][]wire.Message, len(events))
	for i, rounds := range events {
		out[i] = make([]wire.Message, len(rounds))
		for j, ev := range rounds {
			c := make(wire.Message, len(ev))
			for k, v := range ev {
				c[k] = v
			}
			out[i][j] = c
		}
	}
	return out
}

// copyHist copies the slice and map spines only. The event rows themselves
// are never mutated once recorded.
func copyHist(hist [][]map[string][]wire.Message) [][]map[string][]wire.Message {
	out := make([][]map[string][]wire.Message, len(hist))
	for i, rounds := range hist {
		out[i] = make([]map[string][]wire.Message, len(rounds))
		for j, markets := range rounds {
			c := make(map[string][]wire.Message, len(markets))
			for color, evs := range markets {
				c[color] = append([]wire.Message(nil), evs...)
			}
			out[i][j] = c
		}
	}
	return out
}

package island

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/control"
	"github.com/econlab/server/internal/market"
	"github.com/econlab/server/internal/metrics"
	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/persist"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/scripting"
	"github.com/econlab/server/internal/wire"
)

func testMatch() *params.Match {
	return &params.Match{
		NumRounds:       1,
		ExchangeRate:    money.MustParse("0.01"),
		GroupSize:       4,
		StartingDollars: money.MustParse("10"),
		AuctionTime:     5,
		ProdChoiceTime:  5,
		ScoringFormula:  "d",
		PFBlue:          []params.PFPair{{Green: 2, Color: 1}},
		PFRed:           []params.PFPair{{Green: 2, Color: 1}},
	}
}

// testControl builds a Control mid-round: one group with the given colors,
// accounts at the match's starting dollars, empty event maps for round 1 of
// match 1.
func testControl(t *testing.T, m *params.Match, colors []market.Color) *Control {
	t.Helper()
	f, err := scripting.CompileFormula(m.ScoringFormula)
	require.NoError(t, err)
	t.Cleanup(f.Close)

	ic := &Control{
		prm: &params.Params{
			Session: params.Session{NumPlayers: len(colors)},
			Matches: []params.Match{*m},
		},
		log:     zap.NewNop(),
		rng:     rand.New(rand.NewSource(11)),
		match:   m,
		formula: f,
	}
	g := &group{
		id:   0,
		hist: [][]map[string][]wire.Message{{{"blue": nil, "red": nil}}},
	}
	for i, color := range colors {
		st := &seatState{
			acct: &market.Account{
				Seat:    i,
				Name:    fmt.Sprintf("player%d", i),
				Color:   color,
				Dollars: m.StartingDollars,
			},
			events: [][]wire.Message{{wire.Message{}}},
		}
		require.NoError(t, ic.rescore(st))
		seat := &roster.Seat{ID: i, Group: 0, Scratch: st}
		g.seats = append(g.seats, seat)
		if color == market.Blue {
			g.blueIDs = append(g.blueIDs, i)
		}
	}
	ic.groups = []*group{g}
	return ic
}

func TestMoneyShockPartitionsAcrossRecipients(t *testing.T) {
	m := testMatch()
	m.MoneyShocks = []params.MoneyShock{{
		Market: "blue",
		Round:  1,
		Amount: money.MustParse("0.10"),
		Who:    params.ShockWhoBoth,
	}}
	ic := testControl(t, m, []market.Color{market.Blue, market.Red, market.Blue, market.Red})

	realized, err := ic.applyMoneyShocks(market.Blue)
	require.NoError(t, err)
	require.Len(t, realized, 4)

	total := money.Zero
	for _, seat := range ic.groups[0].seats {
		st := state(seat)
		got := realized[seat.ID]
		assert.True(t, got.IsPositive(), "seat %d part must be at least a cent", seat.ID)
		assert.True(t, st.acct.Dollars.Equal(m.StartingDollars.Add(got)))
		total = total.Add(got)

		dollars, _ := st.acct.Dollars.Decimal().Float64()
		assert.Equal(t, int(math.Round(dollars)), st.roundScore, "score follows the shock")

		ev := ic.roundEvents(seat)
		assert.Equal(t, 1, ev.Int("moneyShock_blueMkt"))
		assert.True(t, ev.Amount("moneyShockAmount_blueMkt").Equal(got))
		assert.True(t, ev.Amount("moneyShockAmountRealized_blueMkt").Equal(got))
	}
	assert.True(t, total.Equal(money.MustParse("0.10")), "parts sum to the shock, got %s", total)
}

func TestMoneyShockClampsDollarsAtZero(t *testing.T) {
	m := testMatch()
	m.StartingDollars = money.Zero
	m.MoneyShocks = []params.MoneyShock{{
		Market: "red",
		Round:  1,
		Amount: money.MustParse("-0.05"),
		Who:    params.ShockWhoRed,
	}}
	ic := testControl(t, m, []market.Color{market.Blue, market.Red})

	realized, err := ic.applyMoneyShocks(market.Red)
	require.NoError(t, err)

	red := ic.groups[0].seats[1]
	st := state(red)
	assert.True(t, st.acct.Dollars.IsZero(), "dollars never go negative")
	require.Contains(t, realized, red.ID)
	assert.True(t, realized[red.ID].IsZero())

	ev := ic.roundEvents(red)
	assert.True(t, ev.Amount("moneyShockAmount_redMkt").Equal(money.MustParse("-0.05")))
	assert.True(t, ev.Amount("moneyShockAmountRealized_redMkt").IsZero())

	blue := ic.groups[0].seats[0]
	assert.NotContains(t, realized, blue.ID)
	assert.False(t, ic.roundEvents(blue).Has("moneyShock_redMkt"))
}

func TestMoneyShockMayGoNegativeWhenAllowed(t *testing.T) {
	m := testMatch()
	m.StartingDollars = money.Zero
	m.AllowNegativeDollars = true
	m.MoneyShocks = []params.MoneyShock{{
		Market: "red",
		Round:  1,
		Amount: money.MustParse("-0.05"),
		Who:    params.ShockWhoRed,
	}}
	ic := testControl(t, m, []market.Color{market.Blue, market.Red})

	realized, err := ic.applyMoneyShocks(market.Red)
	require.NoError(t, err)

	st := state(ic.groups[0].seats[1])
	assert.True(t, st.acct.Dollars.Equal(money.MustParse("-0.05")))
	assert.True(t, realized[1].Equal(money.MustParse("-0.05")))
}

func TestMoneyShockSkipsOtherRoundsAndMarkets(t *testing.T) {
	m := testMatch()
	m.MoneyShocks = []params.MoneyShock{
		{Market: "blue", Round: 2, Amount: money.MustParse("0.10"), Who: params.ShockWhoBoth},
		{Market: "red", Round: 1, Amount: money.MustParse("0.10"), Who: params.ShockWhoBoth},
	}
	ic := testControl(t, m, []market.Color{market.Blue, market.Red})

	realized, err := ic.applyMoneyShocks(market.Blue)
	require.NoError(t, err)
	assert.Empty(t, realized)
	for _, seat := range ic.groups[0].seats {
		assert.True(t, state(seat).acct.Dollars.Equal(m.StartingDollars))
	}
}

func TestShockTargetsFilterByColor(t *testing.T) {
	ic := testControl(t, testMatch(), []market.Color{market.Blue, market.Red, market.Blue, market.Red})
	g := ic.groups[0]

	blue := g.shockTargets(params.ShockWhoBlue)
	require.Len(t, blue, 2)
	for _, s := range blue {
		assert.Equal(t, market.Blue, state(s).acct.Color)
	}

	red := g.shockTargets(params.ShockWhoRed)
	require.Len(t, red, 2)
	for _, s := range red {
		assert.Equal(t, market.Red, state(s).acct.Color)
	}

	assert.Len(t, g.shockTargets(params.ShockWhoBoth), 4)
}

func TestChooseIndexDefaultsAndClamps(t *testing.T) {
	assert.Equal(t, 2, chooseIndex(nil, 5), "no reply takes the middle entry")
	assert.Equal(t, 1, chooseIndex(nil, 3))
	assert.Equal(t, 2, chooseIndex(nil, 4), "even schedules round toward the later entry")
	assert.Equal(t, 2, chooseIndex(wire.Message{}, 5), "reply without a choice takes the middle")

	assert.Equal(t, 3, chooseIndex(wire.Message{"choice": 3}, 5))
	assert.Equal(t, 4, chooseIndex(wire.Message{"choice": 9}, 5))
	assert.Equal(t, 0, chooseIndex(wire.Message{"choice": -2}, 5))
}

func TestMarketRowConversion(t *testing.T) {
	bid := wire.Message{"action": "bid", "buyer": 3, "bid": money.MustParse("1.5"), "time": 2.5}
	assert.Equal(t, persist.MarketEvent{
		Match: 1, Round: 2, Group: 0,
		Market: "blue", Action: "bid", Buyer: "3", Bid: "1.5", Time: 2.5,
	}, marketRow(1, 2, 0, market.Blue, bid))

	accept := wire.Message{
		"action": "accept", "buyer": 1, "accept": money.MustParse("1.5"),
		"seller": 0, "time": 3.25,
	}
	assert.Equal(t, persist.MarketEvent{
		Match: 2, Round: 1, Group: 1,
		Market: "red", Action: "accept", Buyer: "1", Accept: "1.5", Seller: "0", Time: 3.25,
	}, marketRow(2, 1, 1, market.Red, accept))

	timeup := wire.Message{"action": "timeup", "time": 5.0}
	row := marketRow(1, 1, 0, market.Blue, timeup)
	assert.Equal(t, "timeup", row.Action)
	assert.Empty(t, row.Buyer)
	assert.Empty(t, row.Bid)
}

func TestInitClientsDealsColorsAndGroups(t *testing.T) {
	prm := &params.Params{
		Session: params.Session{NumPlayers: 4, Rounding: money.RoundPenny},
		Matches: []params.Match{*testMatch()},
	}
	prm.Matches[0].GroupSize = 2

	ctrl, err := New(prm, zap.NewNop())
	require.NoError(t, err)
	ic := ctrl.(*Control)
	ic.rng = rand.New(rand.NewSource(7))

	d := control.NewDriver(control.Config{OutputDir: t.TempDir()}, nil, ctrl, prm,
		metrics.NewRegistry(), zap.NewNop())
	for i := 0; i < 4; i++ {
		seat, err := d.Table().Allocate(&comm.Client{ID: uint64(i + 1)})
		require.NoError(t, err)
		seat.Name = fmt.Sprintf("player%d", i)
	}

	require.NoError(t, ic.InitClients(d))
	require.Len(t, ic.groups, 2)

	colors := map[market.Color]int{}
	for _, g := range ic.groups {
		require.Len(t, g.seats, 2)
		require.Len(t, g.blueIDs, 1)
		for i, seat := range g.seats {
			st := state(seat)
			require.NotNil(t, st, "scratch must hold the island state")
			assert.Equal(t, g.id, seat.Group)
			assert.Equal(t, seat.ID, st.acct.Seat)
			assert.Equal(t, seat.Name, st.acct.Name)
			want := market.Blue
			if i%2 == 1 {
				want = market.Red
			}
			assert.Equal(t, want, st.acct.Color)
			colors[st.acct.Color]++
		}
		assert.Equal(t, g.seats[0].ID, g.blueIDs[0])
	}
	assert.Equal(t, 2, colors[market.Blue])
	assert.Equal(t, 2, colors[market.Red])
}

func TestReinitPayloadSnapshotsState(t *testing.T) {
	m := testMatch()
	ic := testControl(t, m, []market.Color{market.Blue, market.Red})
	d := control.NewDriver(control.Config{OutputDir: t.TempDir()}, nil, ic, ic.prm,
		metrics.NewRegistry(), zap.NewNop())

	seat := ic.groups[0].seats[0]
	st := state(seat)
	st.events[0][0]["productionChoice_green"] = 2
	ic.groups[0].record(0, 0, market.Blue,
		wire.Message{"action": "bid", "buyer": 0, "bid": money.MustParse("1"), "time": 0.5})
	ic.choicesMade = append(ic.choicesMade, "blue")

	payload := ic.ReinitPayload(d, seat)
	assert.Equal(t, 0, payload.Int("match"))
	assert.Equal(t, 0, payload.Int("round"))
	assert.False(t, payload.Bool("auctionInProgress"))

	// Later progress must not leak into the already-built payload.
	st.events[0][0]["productionChoice_green"] = 99
	ic.groups[0].record(0, 0, market.Blue, wire.Message{"action": "timeup", "time": 5.0})
	ic.choicesMade = append(ic.choicesMade, "red")

	events, ok := payload["events"].([][]wire.Message)
	require.True(t, ok)
	assert.Equal(t, 2, events[0][0].Int("productionChoice_green"))

	hist, ok := payload["mktHist"].([][]map[string][]wire.Message)
	require.True(t, ok)
	assert.Len(t, hist[0][0]["blue"], 1)

	choices, ok := payload["productionChoicesMade"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"blue"}, choices)

	acct, ok := payload["acct"].(wire.Message)
	require.True(t, ok)
	assert.True(t, acct.Amount("dollars").Equal(m.StartingDollars))
}

package control

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/persist"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

func init() {
	Register("quiz", NewQuizControl)
}

// QuizControl is the smallest complete controller: every round it asks every
// subject how much money they want and pays out the answer in cents. It
// exists to exercise the runtime end to end, groups and chat included.
type QuizControl struct {
	prm *params.Params
	log *zap.Logger

	matchNum   int // 0-based
	matchRound int // 0-based, within the match
}

func NewQuizControl(p *params.Params, log *zap.Logger) (Controller, error) {
	return &QuizControl{prm: p, log: log}, nil
}

func (q *QuizControl) GUIName() string { return "QuizGUI" }

func (q *QuizControl) NumPlayers() int { return q.prm.Session.NumPlayers }

func (q *QuizControl) Rounding() money.Rounding { return q.prm.Session.Rounding }

func (q *QuizControl) ShowUpPayment() money.Amount { return q.prm.Session.ShowUpPayment }

func (q *QuizControl) SurveyFile() string { return q.prm.Session.SurveyFile }

func (q *QuizControl) InitExtras(seat *roster.Seat) wire.Message {
	return wire.Message{"greeting": fmt.Sprintf("Hello, client %d", seat.ID)}
}

// InitClients splits the seats into numGroups contiguous groups (one group
// when the parameter is absent) and opens unfiltered chat.
func (q *QuizControl) InitClients(d *Driver) error {
	numGroups := customInt(q.prm.Matches[0].Custom, "numGroups", 1)
	if numGroups < 1 {
		numGroups = 1
	}
	seats := d.Table().Seats()
	size := (len(seats) + numGroups - 1) / numGroups
	for i, s := range seats {
		s.Group = i / size
	}
	q.log.Info("分組完成", zap.Int("groups", numGroups), zap.Int("groupSize", size))

	d.EnableChat(nil)
	return nil
}

func (q *QuizControl) RunRound(d *Driver) (bool, error) {
	prompt := wire.Message{"type": wire.TypeGM, "question": "How much money do you want?"}
	replies, ok := d.AskAll(d.PromptAll(prompt), "Waiting for client reply", "Ready")
	if !ok {
		return false, fmt.Errorf("control: session closed during quiz round")
	}

	match := &q.prm.Matches[q.matchNum]
	for _, s := range d.Table().Seats() {
		reply, answered := replies[s.ID]
		if !answered {
			continue
		}
		amount := money.FromCents(reply.Int64("amount"))
		s.Earnings = s.Earnings.Add(amount)
		d.AddHistoryRow(persist.HistoryRow{
			Match:        q.matchNum + 1,
			Practice:     match.Practice,
			ExchangeRate: match.ExchangeRate,
			Round:        q.matchRound + 1,
			Subject:      s.ID,
			Group:        s.Group,
			Values: map[string]interface{}{
				"amount":   amount,
				"earnings": s.Earnings,
			},
		})
	}

	if q.matchRound+1 < match.NumRounds {
		q.matchRound++
		return true, nil
	}
	if q.matchNum+1 < len(q.prm.Matches) {
		q.matchNum++
		q.matchRound = 0
		return true, nil
	}
	return false, nil
}

func (q *QuizControl) PostRound(d *Driver) error { return nil }

func (q *QuizControl) OnUnpause(d *Driver) {}

// ReinitPayload replays the init parameters; the driver stamps the type and
// current round on it.
func (q *QuizControl) ReinitPayload(d *Driver, seat *roster.Seat) wire.Message {
	return d.InitMessage(seat)
}

// customInt reads an integer out of a match's free-form custom parameters.
func customInt(custom map[string]interface{}, key string, def int) int {
	switch v := custom[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

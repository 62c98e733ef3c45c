package persist

import (
	"encoding/csv"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

var marketHeader = []string{"Match", "Round", "Group", "Market", "Action", "Buyer", "Bid", "Accept", "Ask", "Seller", "Time"}

// Market event actions.
const (
	ActionBid    = "bid"
	ActionAsk    = "ask"
	ActionAccept = "accept"
)

// MarketEvent is one line of the market history: a standing bid, a standing
// ask, or an executed trade. Amount and name fields irrelevant to the
// action stay empty.
type MarketEvent struct {
	Match  int
	Round  int
	Group  int
	Market string // auction color
	Action string
	Buyer  string
	Bid    string
	Accept string
	Ask    string
	Seller string
	Time   float64 // seconds on the session's market timeline
}

// MarketWriter persists <sessionID>-market-history.csv. Events buffer in
// memory and hit disk once per round; the file only ever grows.
type MarketWriter struct {
	path    string
	pending []MarketEvent
	created bool
	log     *zap.Logger
}

func NewMarketWriter(dir, sessionID string, log *zap.Logger) *MarketWriter {
	return &MarketWriter{path: filepath.Join(dir, sessionID+"-market-history.csv"), log: log}
}

// Add buffers one event until the next Flush.
func (m *MarketWriter) Add(ev MarketEvent) {
	m.pending = append(m.pending, ev)
}

// Flush appends the buffered events and returns them for mirroring.
func (m *MarketWriter) Flush() ([]MarketEvent, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	f, err := openAppend(m.path, !m.created)
	if err != nil {
		return nil, &StateError{Op: "open market history", Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !m.created {
		if err := w.Write(marketHeader); err != nil {
			return nil, &StateError{Op: "write market header", Err: err}
		}
	}
	for _, ev := range m.pending {
		rec := []string{
			strconv.Itoa(ev.Match),
			strconv.Itoa(ev.Round),
			strconv.Itoa(ev.Group),
			ev.Market,
			ev.Action,
			ev.Buyer,
			ev.Bid,
			ev.Accept,
			ev.Ask,
			ev.Seller,
			strconv.FormatFloat(ev.Time, 'f', 2, 64),
		}
		if err := w.Write(rec); err != nil {
			return nil, &StateError{Op: "write market row", Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, &StateError{Op: "flush market history", Err: err}
	}
	m.created = true
	out := m.pending
	m.pending = nil
	return out, nil
}

// Path returns the file the writer maintains.
func (m *MarketWriter) Path() string { return m.path }

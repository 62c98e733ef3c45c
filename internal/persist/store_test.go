package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/params"
)

func TestSessionIDIsPerSecondToken(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 59, 0, time.UTC)
	require.Equal(t, "260825143059", SessionID(at))

	later := SessionID(at.Add(time.Second))
	require.Greater(t, later, "260825143059")
}

func TestDumpParamsProbesWritability(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "260825120000", "pilot", nil, zap.NewNop())
	require.NoError(t, err)

	p := &params.Params{
		Session: params.Session{Controller: "quiz", NumPlayers: 2},
		Matches: []params.Match{{NumRounds: 3}},
	}
	require.NoError(t, st.DumpParams(p))

	raw, err := os.ReadFile(filepath.Join(dir, "260825120000-params.json"))
	require.NoError(t, err)
	require.True(t, json.Valid(raw))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	session := decoded["session"].(map[string]interface{})
	require.Equal(t, "quiz", session["controller"])

	// the chat transcript is created alongside the dump
	chat := readCSV(t, st.Chat.Path())
	require.Len(t, chat, 1)
	require.Equal(t, chatHeader, chat[0])
}

func TestOpenFailsWhenDirIsAFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := Open(filepath.Join(blocker, "session"), "s", "", nil, zap.NewNop())
	require.Error(t, err)
	var se *StateError
	require.ErrorAs(t, err, &se)
}

func TestStatusSnapshotRotates(t *testing.T) {
	dir := t.TempDir()
	w := NewStatusWriter(dir, "s")

	first := []StatusRow{{
		Round: 1, Subject: 0, IP: "10.0.0.7", Name: "ann", Status: "Ready",
		Earnings: money.MustParse("1.25"), Rounded: money.MustParse("1.25"),
		ShowUp: money.FromInt(5), Total: money.MustParse("6.25"),
	}}
	require.NoError(t, w.Write(first))

	second := []StatusRow{
		{
			Round: 2, Subject: 0, IP: "10.0.0.7", Name: "ann", Status: "Ready",
			Earnings: money.MustParse("2.50"), Rounded: money.MustParse("2.50"),
			ShowUp: money.FromInt(5), Total: money.MustParse("7.50"),
		},
		{
			Round: 2, Subject: 1, IP: "10.0.0.9", Name: "bob", Status: "Disconnected",
			Earnings: money.Zero, Rounded: money.Zero,
			ShowUp: money.FromInt(5), Total: money.FromInt(5),
		},
	}
	require.NoError(t, w.Write(second))

	rows := readCSV(t, w.Path())
	require.Len(t, rows, 3)
	require.Equal(t, statusHeader, rows[0])
	require.Equal(t, []string{"2", "0", "10.0.0.7", "ann", "Ready", "2.50", "2.50", "5.00", "7.50"}, rows[1])
	require.Equal(t, []string{"2", "1", "10.0.0.9", "bob", "Disconnected", "0.00", "0.00", "5.00", "5.00"}, rows[2])

	backup := readCSV(t, w.Path()+".backup")
	require.Len(t, backup, 2)
	require.Equal(t, "1.25", backup[1][5])
}

func TestChatLogAppends(t *testing.T) {
	dir := t.TempDir()
	w := NewChatWriter(dir, "s", "pilot")
	require.NoError(t, w.Create())

	require.NoError(t, w.Append(ChatRow{Round: 2, Subject: 0, Group: 0, Message: "hi, all"}))
	require.NoError(t, w.Append(ChatRow{Round: 2, Subject: 1, Group: -1, Message: "hello"}))

	rows := readCSV(t, w.Path())
	require.Len(t, rows, 3)
	require.Equal(t, chatHeader, rows[0])
	require.Equal(t, []string{"s", "pilot", "2", "0", "0", "hi, all"}, rows[1])
	require.Equal(t, "", rows[2][4], "ungrouped seat leaves the group cell empty")
}

func TestMarketHistoryFlushesPerRound(t *testing.T) {
	dir := t.TempDir()
	w := NewMarketWriter(dir, "s", zap.NewNop())

	w.Add(MarketEvent{Match: 1, Round: 1, Group: 0, Market: "blue", Action: ActionBid, Buyer: "ann", Bid: "1", Time: 0.52})
	w.Add(MarketEvent{Match: 1, Round: 1, Group: 0, Market: "blue", Action: ActionAsk, Seller: "bob", Ask: "1.5", Time: 1.07})
	w.Add(MarketEvent{
		Match: 1, Round: 1, Group: 0, Market: "blue", Action: ActionAccept,
		Buyer: "ann", Seller: "bob", Accept: "1.5", Time: 2.31,
	})

	flushed, err := w.Flush()
	require.NoError(t, err)
	require.Len(t, flushed, 3)

	w.Add(MarketEvent{Match: 1, Round: 2, Group: 0, Market: "red", Action: ActionBid, Buyer: "bob", Bid: "0.5", Time: 6.00})
	_, err = w.Flush()
	require.NoError(t, err)

	rows := readCSV(t, w.Path())
	require.Len(t, rows, 5)
	require.Equal(t, marketHeader, rows[0])
	require.Equal(t, []string{"1", "1", "0", "blue", "bid", "ann", "1", "", "", "", "0.52"}, rows[1])
	require.Equal(t, []string{"1", "1", "0", "blue", "accept", "ann", "", "1.5", "", "bob", "2.31"}, rows[3])
	require.Equal(t, "6.00", rows[4][10])

	// nothing buffered, nothing written
	flushed, err = w.Flush()
	require.NoError(t, err)
	require.Empty(t, flushed)
}

func TestFlushRoundWritesEverything(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "s", "pilot", nil, zap.NewNop())
	require.NoError(t, err)

	st.Market.Add(MarketEvent{Match: 1, Round: 1, Group: 0, Market: "blue", Action: ActionBid, Buyer: "ann", Bid: "1", Time: 0.5})

	rows := []HistoryRow{histRow(1, 1, 0, map[string]interface{}{"score": 2})}
	status := []StatusRow{{
		Round: 1, Subject: 0, IP: "10.0.0.7", Name: "ann", Status: "Ready",
		Earnings: money.FromInt(2), Rounded: money.FromInt(2),
		ShowUp: money.Zero, Total: money.FromInt(2),
	}}
	require.NoError(t, st.FlushRound(rows, status))

	require.FileExists(t, st.History.Path())
	require.FileExists(t, st.Market.Path())
	require.FileExists(t, st.Status.Path())
}

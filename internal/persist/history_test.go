package persist

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/econlab/server/internal/money"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func histRow(match, round, subject int, values map[string]interface{}) HistoryRow {
	return HistoryRow{
		Match:        match,
		Practice:     false,
		ExchangeRate: money.FromInt(1),
		Round:        round,
		Subject:      subject,
		Group:        0,
		Values:       values,
	}
}

func TestHistoryAppendsWhileHeaderIsStable(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryWriter(dir, "260825120000", "pilot", zap.NewNop())

	h.Add(histRow(1, 1, 0, map[string]interface{}{"score": 3.5}))
	h.Add(histRow(1, 1, 1, map[string]interface{}{"score": 4.0}))
	require.NoError(t, h.Flush())

	h.Add(histRow(1, 2, 0, map[string]interface{}{"score": 1.0}))
	h.Add(histRow(1, 2, 1, map[string]interface{}{"score": 2.0}))
	require.NoError(t, h.Flush())

	rows := readCSV(t, h.Path())
	require.Len(t, rows, 5)
	require.Equal(t, []string{"sessionID", "experimentID", "match", "practice", "exchangeRate", "round", "subject", "group", "score"}, rows[0])
	require.Equal(t, []string{"260825120000", "pilot", "1", "false", "1", "1", "0", "0", "3.5"}, rows[1])
	require.Equal(t, "2", rows[3][5])

	// no rotation happened
	_, err := os.Stat(h.Path() + ".backup")
	require.True(t, os.IsNotExist(err))
}

func TestHistoryRewritesAndBacksUpOnNewColumn(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryWriter(dir, "260825120000", "pilot", zap.NewNop())

	h.Add(histRow(1, 1, 0, map[string]interface{}{"score": 3}))
	require.NoError(t, h.Flush())

	// second round introduces a column the first round never had
	h.Add(histRow(1, 2, 0, map[string]interface{}{"score": 5, "bonus": money.MustParse("0.25")}))
	require.NoError(t, h.Flush())

	backup := readCSV(t, h.Path()+".backup")
	require.Len(t, backup, 2)
	require.Equal(t, []string{"sessionID", "experimentID", "match", "practice", "exchangeRate", "round", "subject", "group", "score"}, backup[0])

	rows := readCSV(t, h.Path())
	require.Len(t, rows, 3)
	require.Equal(t, []string{"sessionID", "experimentID", "match", "practice", "exchangeRate", "round", "subject", "group", "score", "bonus"}, rows[0])
	// the round-1 row gained an empty cell under the new header
	require.Equal(t, []string{"260825120000", "pilot", "1", "false", "1", "1", "0", "0", "3", ""}, rows[1])
	require.Equal(t, []string{"260825120000", "pilot", "1", "false", "1", "2", "0", "0", "5", "0.25"}, rows[2])
}

func TestHistoryRotationKeepsOneGeneration(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryWriter(dir, "s", "pilot", zap.NewNop())

	h.Add(histRow(1, 1, 0, map[string]interface{}{"a": 1}))
	require.NoError(t, h.Flush())
	h.Add(histRow(1, 2, 0, map[string]interface{}{"b": 2}))
	require.NoError(t, h.Flush())
	h.Add(histRow(1, 3, 0, map[string]interface{}{"c": 3}))
	require.NoError(t, h.Flush())

	// the backup holds the pre-"c" file, not the original one
	backup := readCSV(t, filepath.Join(dir, "s-history.csv.backup"))
	require.Contains(t, backup[0], "b")

	rows := readCSV(t, h.Path())
	require.Len(t, rows, 4)
	require.Equal(t, []string{"sessionID", "experimentID", "match", "practice", "exchangeRate", "round", "subject", "group", "a", "b", "c"}, rows[0])
}

func TestHistoryHeaderNormalizesWhitespace(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryWriter(dir, "s", "pilot", zap.NewNop())

	h.Add(histRow(1, 1, 0, map[string]interface{}{"prod choice": 2}))
	require.NoError(t, h.Flush())

	rows := readCSV(t, h.Path())
	require.Equal(t, "prod_choice", rows[0][len(rows[0])-1])
}

func TestHistoryUngroupedSeatHasEmptyGroupCell(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryWriter(dir, "s", "pilot", zap.NewNop())

	row := histRow(1, 1, 0, map[string]interface{}{"earnings": money.MustParse("1.50")})
	row.Group = -1
	h.Add(row)
	require.NoError(t, h.Flush())

	rows := readCSV(t, h.Path())
	require.Equal(t, "", rows[1][7])
	require.Equal(t, "1.5", rows[1][8])
}

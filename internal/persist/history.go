package persist

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/money"
)

// historyFixed is the leading header set every session gets regardless of
// controller. Controller columns follow in first-appearance order.
var historyFixed = []string{"sessionID", "experimentID", "match", "practice", "exchangeRate", "round", "subject", "group"}

// HistoryRow is one subject's record for one round.
type HistoryRow struct {
	Match        int
	Practice     bool
	ExchangeRate money.Amount
	Round        int
	Subject      int
	Group        int // negative means ungrouped, written as an empty cell
	Values       map[string]interface{}
}

// HistoryWriter persists <sessionID>-history.csv. Rows accumulate in memory
// so that when a controller introduces a column mid-session the whole file
// can be rewritten with the new header and empty cells backfilled; the
// previous file is kept as a single-generation .backup. When the header is
// unchanged only the new rows are appended.
type HistoryWriter struct {
	path         string
	sessionID    string
	experimentID string
	extras       []string
	known        map[string]bool
	rows         []HistoryRow
	flushed      int  // rows already on disk
	rewrite      bool // header changed since last flush
	log          *zap.Logger
}

func NewHistoryWriter(dir, sessionID, experimentID string, log *zap.Logger) *HistoryWriter {
	return &HistoryWriter{
		path:         filepath.Join(dir, sessionID+"-history.csv"),
		sessionID:    sessionID,
		experimentID: experimentID,
		known:        make(map[string]bool),
		log:          log,
	}
}

// Add buffers one row and extends the header with any columns it has not
// seen before. New columns from the same row are adopted in sorted order so
// reruns produce identical files.
func (h *HistoryWriter) Add(row HistoryRow) {
	var fresh []string
	for k := range row.Values {
		if !h.known[k] {
			fresh = append(fresh, k)
		}
	}
	if len(fresh) > 0 {
		sort.Strings(fresh)
		for _, k := range fresh {
			h.known[k] = true
			h.extras = append(h.extras, k)
		}
		if h.flushed > 0 {
			h.rewrite = true
		}
	}
	h.rows = append(h.rows, row)
}

// Flush writes buffered rows to disk, rewriting the whole file behind a
// .backup rotation when the header grew.
func (h *HistoryWriter) Flush() error {
	if h.rewrite {
		if err := rotate(h.path); err != nil {
			return &StateError{Op: "rotate history", Err: err}
		}
		h.flushed = 0
		h.rewrite = false
		h.log.Info("歷史檔欄位變更，重寫整份檔案", zap.String("path", h.path))
	}
	if h.flushed == len(h.rows) {
		return nil
	}

	fresh := h.flushed == 0
	f, err := openAppend(h.path, fresh)
	if err != nil {
		return &StateError{Op: "open history", Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(h.header()); err != nil {
			return &StateError{Op: "write history header", Err: err}
		}
	}
	for _, row := range h.rows[h.flushed:] {
		if err := w.Write(h.record(row)); err != nil {
			return &StateError{Op: "write history row", Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &StateError{Op: "flush history", Err: err}
	}
	h.flushed = len(h.rows)
	return nil
}

// Path returns the file the writer maintains.
func (h *HistoryWriter) Path() string { return h.path }

func (h *HistoryWriter) header() []string {
	out := make([]string, 0, len(historyFixed)+len(h.extras))
	out = append(out, historyFixed...)
	for _, k := range h.extras {
		out = append(out, headerName(k))
	}
	return out
}

func (h *HistoryWriter) record(row HistoryRow) []string {
	out := make([]string, 0, len(historyFixed)+len(h.extras))
	group := ""
	if row.Group >= 0 {
		group = strconv.Itoa(row.Group)
	}
	out = append(out,
		h.sessionID,
		h.experimentID,
		strconv.Itoa(row.Match),
		strconv.FormatBool(row.Practice),
		row.ExchangeRate.String(),
		strconv.Itoa(row.Round),
		strconv.Itoa(row.Subject),
		group,
	)
	for _, k := range h.extras {
		v, ok := row.Values[k]
		if !ok {
			out = append(out, "")
			continue
		}
		out = append(out, formatValue(v))
	}
	return out
}

// headerName normalizes a column name for the CSV header: any whitespace
// run becomes a single underscore.
func headerName(s string) string {
	return strings.Join(strings.Fields(s), "_")
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case money.Amount:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// rotate moves path to path.backup, replacing any previous backup. A
// missing source is fine.
func rotate(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(path, path+".backup")
}

// openAppend opens path for appending; fresh truncates instead so a rewrite
// starts clean.
func openAppend(path string, fresh bool) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if fresh {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	return os.OpenFile(path, flags, 0o644)
}

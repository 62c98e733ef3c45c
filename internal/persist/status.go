package persist

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/econlab/server/internal/money"
)

var statusHeader = []string{
	"Round", "ID", "IP Address", "Name", "Status",
	"Game Earnings ($)", "Rounded Earnings ($)", "Show-up Payment ($)", "Total Earnings ($)",
}

// StatusRow is one seat's line in the status snapshot. Total is the rounded
// earnings plus the show-up payment, the figure the subject actually leaves
// the lab with.
type StatusRow struct {
	Round    int
	Subject  int
	IP       string
	Name     string
	Status   string
	Earnings money.Amount
	Rounded  money.Amount
	ShowUp   money.Amount
	Total    money.Amount
}

// StatusWriter persists <sessionID>-status.csv, a full snapshot rewritten
// after every round. Each rewrite rotates the previous snapshot to .backup
// so a crash mid-write costs at most one round of status.
type StatusWriter struct {
	path string
}

func NewStatusWriter(dir, sessionID string) *StatusWriter {
	return &StatusWriter{path: filepath.Join(dir, sessionID+"-status.csv")}
}

// Write replaces the snapshot with the given rows.
func (s *StatusWriter) Write(rows []StatusRow) error {
	if err := rotate(s.path); err != nil {
		return &StateError{Op: "rotate status", Err: err}
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &StateError{Op: "open status", Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(statusHeader); err != nil {
		return &StateError{Op: "write status header", Err: err}
	}
	for _, row := range rows {
		rec := []string{
			strconv.Itoa(row.Round),
			strconv.Itoa(row.Subject),
			row.IP,
			row.Name,
			row.Status,
			row.Earnings.StringFixed(2),
			row.Rounded.StringFixed(2),
			row.ShowUp.StringFixed(2),
			row.Total.StringFixed(2),
		}
		if err := w.Write(rec); err != nil {
			return &StateError{Op: "write status row", Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &StateError{Op: "flush status", Err: err}
	}
	return nil
}

// Path returns the file the writer maintains.
func (s *StatusWriter) Path() string { return s.path }

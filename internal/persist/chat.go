package persist

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
)

var chatHeader = []string{"sessionID", "experimentID", "round", "subject", "group", "chatmessage"}

// ChatRow is one accepted chat message.
type ChatRow struct {
	Round   int
	Subject int
	Group   int // negative means ungrouped, written as an empty cell
	Message string
}

// ChatWriter persists <sessionID>-chat.csv. The header is written when the
// session starts and messages append as they arrive, so the transcript
// survives a crash mid-session.
type ChatWriter struct {
	path         string
	sessionID    string
	experimentID string
}

func NewChatWriter(dir, sessionID, experimentID string) *ChatWriter {
	return &ChatWriter{
		path:         filepath.Join(dir, sessionID+"-chat.csv"),
		sessionID:    sessionID,
		experimentID: experimentID,
	}
}

// Create truncates the transcript to its header row.
func (c *ChatWriter) Create() error {
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &StateError{Op: "create chat log", Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(chatHeader); err != nil {
		return &StateError{Op: "write chat header", Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &StateError{Op: "flush chat header", Err: err}
	}
	return nil
}

// Append writes one message.
func (c *ChatWriter) Append(row ChatRow) error {
	f, err := openAppend(c.path, false)
	if err != nil {
		return &StateError{Op: "open chat log", Err: err}
	}
	defer f.Close()

	group := ""
	if row.Group >= 0 {
		group = strconv.Itoa(row.Group)
	}
	w := csv.NewWriter(f)
	rec := []string{
		c.sessionID,
		c.experimentID,
		strconv.Itoa(row.Round),
		strconv.Itoa(row.Subject),
		group,
		row.Message,
	}
	if err := w.Write(rec); err != nil {
		return &StateError{Op: "write chat row", Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &StateError{Op: "flush chat log", Err: err}
	}
	return nil
}

// Path returns the file the writer maintains.
func (c *ChatWriter) Path() string { return c.path }

package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/params"
)

// mirrorTimeout bounds every database mirror call so a slow or dead
// Postgres can never stall the session. The CSV files are the canonical
// record; the mirror is convenience.
const mirrorTimeout = 2 * time.Second

// SessionID derives the per-second session token, e.g. 260825143059.
func SessionID(t time.Time) string {
	return t.Format("060102150405")
}

// StateError reports a persistence operation that makes the session unable
// to proceed, like an unwritable output directory.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("persist: %s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Store owns a session's output directory and every file written into it.
// All writes happen on the driver goroutine.
type Store struct {
	Dir       string
	SessionID string

	History *HistoryWriter
	Market  *MarketWriter
	Status  *StatusWriter
	Chat    *ChatWriter

	mirror *Mirror
	log    *zap.Logger
}

// Open prepares the output directory. A nil mirror disables the database
// copy.
func Open(dir, sessionID, experimentID string, mirror *Mirror, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StateError{Op: "create output directory", Err: err}
	}
	return &Store{
		Dir:       dir,
		SessionID: sessionID,
		History:   NewHistoryWriter(dir, sessionID, experimentID, log),
		Market:    NewMarketWriter(dir, sessionID, log),
		Status:    NewStatusWriter(dir, sessionID),
		Chat:      NewChatWriter(dir, sessionID, experimentID),
		mirror:    mirror,
		log:       log,
	}, nil
}

// DumpParams writes the verbatim parameter dump and creates the chat
// transcript. It runs at session start and doubles as the writability probe
// for the output directory: failing here aborts the session before the first
// round.
func (s *Store) DumpParams(p *params.Params) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return &StateError{Op: "encode params dump", Err: err}
	}
	path := filepath.Join(s.Dir, s.SessionID+"-params.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return &StateError{Op: "write params dump", Err: err}
	}
	if err := s.Chat.Create(); err != nil {
		return err
	}

	s.withMirror(func(ctx context.Context, m *Mirror) error {
		return m.SessionStarted(ctx, p.Session.Controller, p.Session.NumPlayers, string(raw))
	})
	return nil
}

// FlushRound writes everything a finished round produced: history rows,
// buffered market events and the status snapshot.
func (s *Store) FlushRound(rows []HistoryRow, status []StatusRow) error {
	for _, r := range rows {
		s.History.Add(r)
	}
	if err := s.History.Flush(); err != nil {
		return err
	}

	events, err := s.Market.Flush()
	if err != nil {
		return err
	}
	if err := s.Status.Write(status); err != nil {
		return err
	}

	s.withMirror(func(ctx context.Context, m *Mirror) error {
		if err := m.SaveHistory(ctx, rows); err != nil {
			return err
		}
		return m.SaveMarketEvents(ctx, events)
	})
	return nil
}

// AppendChat writes one chat line.
func (s *Store) AppendChat(row ChatRow) error {
	if err := s.Chat.Append(row); err != nil {
		return err
	}
	s.withMirror(func(ctx context.Context, m *Mirror) error {
		return m.SaveChat(ctx, row)
	})
	return nil
}

// withMirror runs one mirror call with a deadline; failures are logged and
// swallowed.
func (s *Store) withMirror(fn func(context.Context, *Mirror) error) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := fn(ctx, s.mirror); err != nil {
		s.log.Warn("資料庫鏡像寫入失敗", zap.Error(err))
	}
}

package persist

import (
	"context"
	"encoding/json"
	"fmt"
)

// Mirror copies session results into Postgres as they are written to disk.
// Every statement is idempotent so a restarted session with the same ID can
// replay rows without tripping constraints.
type Mirror struct {
	db        *DB
	sessionID string
}

func NewMirror(db *DB, sessionID string) *Mirror {
	return &Mirror{db: db, sessionID: sessionID}
}

// SessionStarted registers the session and its verbatim parameter dump.
func (m *Mirror) SessionStarted(ctx context.Context, controller string, numPlayers int, paramsJSON string) error {
	_, err := m.db.Pool.Exec(ctx,
		`INSERT INTO sessions (id, controller, num_players, params)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		m.sessionID, controller, numPlayers, paramsJSON,
	)
	if err != nil {
		return fmt.Errorf("session insert: %w", err)
	}
	return nil
}

// SaveHistory writes a round's worth of history rows in one transaction.
func (m *Mirror) SaveHistory(ctx context.Context, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := m.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		data, err := json.Marshal(row.Values)
		if err != nil {
			return fmt.Errorf("history encode: %w", err)
		}
		var group interface{}
		if row.Group >= 0 {
			group = row.Group
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO history_rows (session_id, match, practice, exchange_rate, round, subject, subject_group, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, match, round, subject) DO NOTHING`,
			m.sessionID, row.Match, row.Practice, row.ExchangeRate.String(),
			row.Round, row.Subject, group, string(data),
		); err != nil {
			return fmt.Errorf("history insert: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SaveMarketEvents writes a round's market activity in one transaction.
func (m *Mirror) SaveMarketEvents(ctx context.Context, events []MarketEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := m.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO market_events (session_id, match, round, subject_group, market, action, buyer, bid, accept, ask, seller, at_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			m.sessionID, ev.Match, ev.Round, ev.Group, ev.Market, ev.Action,
			ev.Buyer, ev.Bid, ev.Accept, ev.Ask, ev.Seller, ev.Time,
		); err != nil {
			return fmt.Errorf("market insert: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SaveChat writes one chat message.
func (m *Mirror) SaveChat(ctx context.Context, row ChatRow) error {
	var group interface{}
	if row.Group >= 0 {
		group = row.Group
	}
	_, err := m.db.Pool.Exec(ctx,
		`INSERT INTO chat_messages (session_id, round, subject, subject_group, message)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.sessionID, row.Round, row.Subject, group, row.Message,
	)
	if err != nil {
		return fmt.Errorf("chat insert: %w", err)
	}
	return nil
}

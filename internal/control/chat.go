package control

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/persist"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

// onChat forwards one chat message to the sender's group (or everyone, when
// the sender has no group), subject to the controller's filter and the
// per-seat rate limit. Forwarded messages carry the sender's seat id; every
// forwarded message is also appended to the chat transcript. Chat is not
// game traffic: it keeps flowing while the session is paused.
func (d *Driver) onChat(c *comm.Client, m wire.Message) {
	d.mu.Lock()
	seat := d.table.ByConn(c)
	if seat == nil || d.chatFilter == nil {
		d.mu.Unlock()
		return
	}

	lim := d.chatLimiters[seat.ID]
	if lim == nil {
		lim = rate.NewLimiter(d.cfg.ChatRate, d.cfg.ChatBurst)
		d.chatLimiters[seat.ID] = lim
	}
	if !lim.Allow() {
		d.mu.Unlock()
		d.met.ChatDropped.Inc()
		d.log.Warn("聊天訊息超出速率限制，丟棄", zap.Int("seat", seat.ID))
		return
	}

	m["id"] = seat.ID

	pool := d.table.Seats()
	if seat.Group != roster.NoGroup {
		grouped := pool[:0:0]
		for _, s := range pool {
			if s.Group == seat.Group {
				grouped = append(grouped, s)
			}
		}
		pool = grouped
	}

	conns := make([]*comm.Client, 0, len(pool))
	for _, s := range pool {
		if s.ID == seat.ID || s.Conn == nil {
			continue
		}
		if !d.chatFilter(seat, s) {
			continue
		}
		conns = append(conns, s.Conn)
	}

	row := persist.ChatRow{
		Round:   d.round + 1,
		Subject: seat.ID,
		Group:   seat.Group,
		Message: m.Str("message"),
	}
	store := d.store
	d.mu.Unlock()

	for _, cn := range conns {
		cn.Send(m)
	}
	if store != nil {
		if err := store.AppendChat(row); err != nil {
			d.log.Error("聊天記錄寫入失敗", zap.Error(err))
		}
	}
}

package control

import (
	"time"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

// The primitives in this file are for controllers and run on the run
// goroutine with the session lock held. Each one releases the lock around
// its blocking sends and receives, so a paused session can still process
// reconnects while the round logic is parked here.

// Tell queues one message on a seat's connection. A seat that is
// disconnected right now is skipped; reconnection hands it the full state
// again anyway.
func (d *Driver) Tell(seat *roster.Seat, m wire.Message) {
	conn := seat.Conn
	if conn == nil {
		return
	}
	d.mu.Unlock()
	conn.Send(m)
	d.mu.Lock()
}

// TellSeats sends one message to every connected seat in the slice.
func (d *Driver) TellSeats(seats []*roster.Seat, m wire.Message) {
	conns := make([]*comm.Client, 0, len(seats))
	for _, s := range seats {
		if s.Conn != nil {
			conns = append(conns, s.Conn)
		}
	}
	d.sendAll(conns, m)
}

// TellAll sends one message to every connected seat. Returns false when the
// session shut down mid-send.
func (d *Driver) TellAll(m wire.Message) bool {
	d.TellSeats(d.table.Seats(), m)
	select {
	case <-d.closedCh:
		return false
	default:
		return true
	}
}

func (d *Driver) sendAll(conns []*comm.Client, m wire.Message) {
	d.mu.Unlock()
	for _, c := range conns {
		c.Send(m)
	}
	d.mu.Lock()
}

// RecvGM blocks for the next game message and resolves it to a seat. A nil
// seat with a timeup message is the auction timer. Game messages from
// connections that lost their seat mid-flight are dropped.
func (d *Driver) RecvGM() (*roster.Seat, wire.Message, bool) {
	for {
		d.mu.Unlock()
		inb, ok := d.comm.Recv()
		d.mu.Lock()
		if !ok {
			return nil, nil, false
		}
		if inb.Client == nil {
			return nil, inb.Msg, true
		}
		if seat := d.table.ByConn(inb.Client); seat != nil {
			return seat, inb.Msg, true
		}
		d.log.Warn("無座位連線送出遊戲訊息，忽略",
			zap.Uint64("conn", inb.Client.ID),
			zap.String("subtype", inb.Msg.Subtype()),
		)
	}
}

// AskAll sends one prompt per seat and blocks until every asked seat has
// replied exactly once. Duplicate replies are discarded, timer expiries are
// ignored. The prompt stays recorded on the seat until its reply arrives,
// so a reconnecting client is asked again. Returns false when the session
// shut down before the last reply.
func (d *Driver) AskAll(prompts map[int]wire.Message, sentStatus, rcvdStatus string) (map[int]wire.Message, bool) {
	replies, _, ok := d.askAll(prompts, sentStatus, rcvdStatus, false)
	return replies, ok
}

// AskAllUntilTimeup is AskAll except that an auction-timer expiry ends the
// collection early; seats that never answered keep their prompt recorded.
// The second result reports whether the timer cut the ask short.
func (d *Driver) AskAllUntilTimeup(prompts map[int]wire.Message, sentStatus, rcvdStatus string) (map[int]wire.Message, bool, bool) {
	return d.askAll(prompts, sentStatus, rcvdStatus, true)
}

func (d *Driver) askAll(prompts map[int]wire.Message, sentStatus, rcvdStatus string, stopOnTimeup bool) (map[int]wire.Message, bool, bool) {
	type target struct {
		seat *roster.Seat
		msg  wire.Message
	}
	targets := make(map[int]target, len(prompts))
	for id, m := range prompts {
		s := d.table.Get(id)
		if s == nil {
			continue
		}
		s.Status = sentStatus
		s.ReplyReceived = false
		s.Unanswered = m
		targets[id] = target{seat: s, msg: m}
	}

	for _, t := range targets {
		d.Tell(t.seat, t.msg)
	}

	replies := make(map[int]wire.Message, len(targets))
	for len(replies) < len(targets) {
		seat, m, ok := d.RecvGM()
		if !ok {
			return replies, false, false
		}
		if seat == nil {
			if m.Subtype() == wire.GMTimeup && stopOnTimeup {
				return replies, true, true
			}
			continue
		}
		t, want := targets[seat.ID]
		if !want || t.seat.ReplyReceived {
			continue
		}
		replies[seat.ID] = m
		seat.Status = rcvdStatus
		seat.ReplyReceived = true
		seat.Unanswered = nil
	}
	return replies, false, true
}

// PromptAll builds an identical prompt for every seat in the table.
func (d *Driver) PromptAll(m wire.Message) map[int]wire.Message {
	prompts := make(map[int]wire.Message, d.table.Size())
	for _, s := range d.table.Seats() {
		prompts[s.ID] = m
	}
	return prompts
}

// StartTimer arms the shared auction timer.
func (d *Driver) StartTimer(dur time.Duration) { d.comm.StartTimer(dur) }

// CancelTimer stops the auction timer, keeping the remaining time around
// for a later restart.
func (d *Driver) CancelTimer() { d.comm.CancelTimer() }

func (d *Driver) TimerRunning() bool { return d.comm.TimerRunning() }

// TimeLeft reports the remaining time on a running auction timer.
func (d *Driver) TimeLeft() time.Duration { return d.comm.TimeLeft() }

// TimeLeftAtCancel reports the time that was left when the timer was last
// cancelled, which is where a resumed auction picks up.
func (d *Driver) TimeLeftAtCancel() time.Duration { return d.comm.TimeLeftAtCancel() }

package control

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

// Client-facing error strings. The wording is part of the protocol: clients
// display these verbatim.
const (
	errNoSlots        = "There are no more available slots."
	errEmptyName      = "Please enter your name and try again."
	errNameTaken      = "That name is already taken.  Please enter a different one and try again."
	errAlreadyRunning = "The game is already in progress.  Please click the Reconnect button."
	errNoDisconnected = "There are no disconnected clients."
	errLoginTimeout   = `Please enter your name and click "Log In".`
)

// normalizeName is the collision key for login names: Unicode-normalized and
// case-folded, so "Müller" and "MÜLLER" contend for the same name.
func normalizeName(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// errorThenDrop sends an error message and closes the connection after a
// short delay that lets the message reach the client first.
func (d *Driver) errorThenDrop(c *comm.Client, errString string) {
	c.Send(wire.Message{"type": wire.TypeError, "errorString": errString})
	time.AfterFunc(d.cfg.DropDelay, c.Close)
}

// postOp queues fn for the event goroutine without waiting for it. Timer
// callbacks use this to get back onto the event goroutine.
func (d *Driver) postOp(fn func()) {
	select {
	case d.ops <- fn:
	case <-d.closedCh:
	}
}

// onConnect assigns a fresh connection a seat and prompts for a login, or,
// in a running session, offers the list of disconnected seats to reconnect
// as.
func (d *Driver) onConnect(c *comm.Client) {
	if d.State() != StateAccepting {
		d.mu.Lock()
		disconnected := d.table.Disconnected()
		d.mu.Unlock()
		if len(disconnected) == 0 {
			d.errorThenDrop(c, errNoDisconnected)
			return
		}
		d.promptRelogin(c)
		return
	}

	d.mu.Lock()
	seat, err := d.table.Allocate(c)
	if err != nil {
		d.mu.Unlock()
		d.log.Info("連線被拒，座位已滿", zap.Uint64("conn", c.ID))
		d.errorThenDrop(c, errNoSlots)
		return
	}
	seat.Rounding = d.ctrl.Rounding()
	d.mu.Unlock()

	d.met.SeatsConnected.Inc()
	d.log.Info("受試者連線，指派座位", zap.Uint64("conn", c.ID), zap.Int("seat", seat.ID))

	c.Send(wire.New(wire.TypeLoginPrompt))

	connID := c.ID
	d.loginTimers[connID] = time.AfterFunc(d.cfg.LoginTimeout, func() {
		d.postOp(func() { d.onLoginTimeout(connID, c) })
	})
}

// onLoginTimeout fires when a connection got the login prompt but never
// answered it, for example a subject who clicked reconnect before the
// session started.
func (d *Driver) onLoginTimeout(connID uint64, c *comm.Client) {
	if _, armed := d.loginTimers[connID]; !armed {
		return
	}
	delete(d.loginTimers, connID)

	d.mu.Lock()
	seat := d.table.ByConn(c)
	if seat != nil {
		d.table.Release(seat.ID)
	}
	d.mu.Unlock()
	if seat == nil {
		return
	}
	d.met.SeatsConnected.Dec()
	d.log.Info("登入逾時，釋放座位", zap.Int("seat", seat.ID))
	d.errorThenDrop(c, errLoginTimeout)
}

func (d *Driver) cancelLoginTimer(connID uint64) {
	if t, ok := d.loginTimers[connID]; ok {
		t.Stop()
		delete(d.loginTimers, connID)
	}
}

func (d *Driver) onLogin(c *comm.Client, m wire.Message) {
	if d.State() != StateAccepting {
		d.errorThenDrop(c, errAlreadyRunning)
		return
	}

	d.mu.Lock()
	seat := d.table.ByConn(c)
	d.mu.Unlock()
	if seat == nil {
		d.errorThenDrop(c, errEmptyName)
		return
	}

	name := m.Str("name")
	if name == "" {
		d.loginFail(c, seat, errEmptyName)
		return
	}

	key := normalizeName(name)
	d.mu.Lock()
	for _, s := range d.table.Seats() {
		if s.ID != seat.ID && s.Name != "" && normalizeName(s.Name) == key {
			d.mu.Unlock()
			d.loginFail(c, seat, errNameTaken)
			return
		}
	}
	seat.Name = name
	d.mu.Unlock()

	d.cancelLoginTimer(c.ID)
	d.log.Info("受試者登入", zap.Int("seat", seat.ID), zap.String("name", name))

	if d.table.AllNamed() {
		d.log.Info("全部座位已登入")
		if d.prm.Session.Autostart {
			if err := d.startSession(); err != nil {
				d.log.Error("自動開始失敗", zap.Error(err))
			}
		}
	}
}

// loginFail rejects a login attempt and frees the slot immediately, so the
// next subject can take it without waiting out the drop delay.
func (d *Driver) loginFail(c *comm.Client, seat *roster.Seat, errString string) {
	d.cancelLoginTimer(c.ID)
	d.mu.Lock()
	d.table.Release(seat.ID)
	d.mu.Unlock()
	d.met.SeatsConnected.Dec()
	d.log.Info("登入被拒", zap.Int("seat", seat.ID), zap.String("reason", errString))
	d.errorThenDrop(c, errString)
}

// promptRelogin offers the list of disconnected seats as (id, name) pairs.
// The client answers with a relogin message naming one of them.
func (d *Driver) promptRelogin(c *comm.Client) {
	d.mu.Lock()
	disconnected := d.table.Disconnected()
	list := make([]interface{}, 0, len(disconnected))
	for _, s := range disconnected {
		list = append(list, []interface{}{s.ID, s.Name})
	}
	d.mu.Unlock()

	c.Send(wire.Message{"type": wire.TypeReloginPrompt, "disconnectedClients": list})
}

// onRelogin rebinds a reconnecting client to the disconnected seat it picked.
// An invalid pick gets the prompt again rather than a drop.
func (d *Driver) onRelogin(c *comm.Client, m wire.Message) {
	if d.State() == StateAccepting {
		d.log.Warn("session 尚未開始卻收到 relogin", zap.Uint64("conn", c.ID))
		c.Close()
		return
	}

	id := m.Int("id")
	d.mu.Lock()
	seat, err := d.table.Reassign(id, c)
	if err != nil {
		d.mu.Unlock()
		d.log.Info("無效的重新登入選擇", zap.Uint64("conn", c.ID), zap.Int("seat", id))
		d.promptRelogin(c)
		return
	}

	reinit := d.ctrl.ReinitPayload(d, seat)
	reinit["type"] = wire.TypeReinit
	if !reinit.Has("round") {
		reinit["round"] = d.round
	}
	d.awaitingReady[seat.ID] = true
	d.mu.Unlock()

	d.met.SeatsConnected.Inc()
	d.log.Info("受試者重新連線", zap.Int("seat", seat.ID), zap.String("name", seat.Name))
	c.Send(reinit)
}

// onReady routes a client's ready message: before the first round it counts
// toward launching the session, afterwards it marks a reconnected client as
// caught up.
func (d *Driver) onReady(c *comm.Client) {
	d.mu.Lock()
	seat := d.table.ByConn(c)
	if seat == nil {
		d.mu.Unlock()
		return
	}

	if d.awaitingReady[seat.ID] {
		delete(d.awaitingReady, seat.ID)
		resumable := d.table.AllConnected() && len(d.awaitingReady) == 0
		d.mu.Unlock()
		d.log.Info("重新連線的受試者已就緒",
			zap.Int("seat", seat.ID),
			zap.Bool("canResume", resumable),
		)
		return
	}
	d.mu.Unlock()

	if !d.readySent[seat.ID] {
		d.readySent[seat.ID] = true
		d.readyCh <- seat
	}
}

// onDisconnect releases the seat of a pre-session connection; mid-session it
// leaves the seat in place, marks it disconnected and pauses the game until
// the subject is back.
func (d *Driver) onDisconnect(c *comm.Client) {
	d.cancelLoginTimer(c.ID)

	d.mu.Lock()
	seat := d.table.ByConn(c)
	if seat == nil {
		d.mu.Unlock()
		return
	}

	if d.State() == StateAccepting {
		d.table.Release(seat.ID)
		d.mu.Unlock()
		d.met.SeatsConnected.Dec()
		d.log.Info("受試者離線，座位釋出", zap.Int("seat", seat.ID))
		return
	}

	d.table.Unbind(seat.ID)
	d.mu.Unlock()
	d.met.SeatsConnected.Dec()
	d.log.Warn("受試者斷線", zap.Int("seat", seat.ID), zap.String("name", seat.Name))

	if d.State() == StateRunning {
		if err := d.pause(); err != nil {
			d.log.Error("斷線自動暫停失敗", zap.Error(err))
		} else {
			d.log.Warn("受試者斷線，session 自動暫停", zap.Int("seat", seat.ID))
		}
	}
}

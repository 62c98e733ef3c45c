package control

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/metrics"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/persist"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

// Session phases. Logging-in and ready-to-start are both Accepting; what
// separates them is how many seats are named.
type State int32

const (
	StateAccepting State = iota
	StateRunning
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config carries the driver knobs the parameter file does not own.
type Config struct {
	OutputDir    string
	LoginTimeout time.Duration // wait for a login after the prompt
	DropDelay    time.Duration // gap between an error message and the close
	ChatRate     rate.Limit    // per-seat chat budget, messages per second
	ChatBurst    int
	DB           *persist.DB // optional database copy of the CSV record
}

func (c Config) withDefaults() Config {
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 5 * time.Second
	}
	if c.DropDelay <= 0 {
		c.DropDelay = time.Second
	}
	if c.ChatRate <= 0 {
		c.ChatRate = rate.Limit(2)
	}
	if c.ChatBurst <= 0 {
		c.ChatBurst = 5
	}
	return c
}

// ChatFilter decides whether a chat message from one seat is forwarded to
// another. The sender itself is always skipped.
type ChatFilter func(from, to *roster.Seat) bool

// Driver is the session coordinator: it owns the seat table, the round loop
// and every file the session writes. Two goroutines cooperate: the event
// goroutine (Run) consumes connection events and operator commands, and the
// run goroutine plays the controller's rounds. The session lock mu
// serializes their access to seat and controller state; helpers release it
// around every blocking send or receive, which is what keeps a paused
// session responsive to reconnects.
type Driver struct {
	cfg   Config
	comm  *comm.Comm
	table *roster.Table
	ctrl  Controller
	prm   *params.Params
	met   *metrics.Registry
	log   *zap.Logger

	mu    sync.Mutex
	store *persist.Store // nil until the session starts
	round int            // 0-based

	pendingRows []persist.HistoryRow

	chatFilter   ChatFilter
	chatLimiters map[int]*rate.Limiter

	state atomic.Int32

	ops     chan func()
	readyCh chan *roster.Seat
	nextCh  chan struct{}

	initMsgs      map[int]wire.Message // init payload per seat, reused on reinit
	readySent     map[int]bool         // startup readies already forwarded
	awaitingReady map[int]bool         // reconnected seats owing a ready
	loginTimers   map[uint64]*time.Timer

	runDone  chan struct{}
	closedCh chan struct{}
	closer   sync.Once
}

func NewDriver(cfg Config, co *comm.Comm, ctrl Controller, prm *params.Params, met *metrics.Registry, log *zap.Logger) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		cfg:           cfg,
		comm:          co,
		table:         roster.New(ctrl.NumPlayers()),
		ctrl:          ctrl,
		prm:           prm,
		met:           met,
		log:           log,
		chatLimiters:  make(map[int]*rate.Limiter),
		ops:           make(chan func(), 64),
		readyCh:       make(chan *roster.Seat, ctrl.NumPlayers()),
		nextCh:        make(chan struct{}, 1),
		initMsgs:      make(map[int]wire.Message),
		readySent:     make(map[int]bool),
		awaitingReady: make(map[int]bool),
		loginTimers:   make(map[uint64]*time.Timer),
		runDone:       make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
}

// Table exposes the seat table. Controllers may read seats under the
// session lock; binding changes stay with the driver.
func (d *Driver) Table() *roster.Table { return d.table }

// Params returns the validated session parameters.
func (d *Driver) Params() *params.Params { return d.prm }

// Round reports the current 0-based round.
func (d *Driver) Round() int { return d.round }

// Store returns the session's persistence, nil before the session starts.
func (d *Driver) Store() *persist.Store { return d.store }

func (d *Driver) Log() *zap.Logger { return d.log }

func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

// Run accepts connections and serves events and operator commands until the
// context ends.
func (d *Driver) Run(ctx context.Context) error {
	go d.comm.AcceptLoop()
	d.log.Info("等待受試者連線",
		zap.Int("seats", d.table.Size()),
		zap.String("controller", d.prm.Session.Controller),
	)

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case inb := <-d.comm.Events():
			d.handleEvent(inb)
		case fn := <-d.ops:
			fn()
		}
	}
}

func (d *Driver) shutdown() {
	d.closer.Do(func() { close(d.closedCh) })
	d.comm.Close()
}

// handleEvent dispatches one control message. A panicking handler must not
// take the event loop down with it, so the panic is logged and the message
// is treated as dropped.
func (d *Driver) handleEvent(inb comm.Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("事件處理 panic 已恢復",
				zap.String("type", inb.Msg.Type()),
				zap.Any("panic", rec),
			)
		}
	}()

	switch inb.Msg.Type() {
	case wire.TypeConnect:
		d.onConnect(inb.Client)
	case wire.TypeLogin:
		d.onLogin(inb.Client, inb.Msg)
	case wire.TypeRelogin:
		d.onRelogin(inb.Client, inb.Msg)
	case wire.TypeReady:
		d.onReady(inb.Client)
	case wire.TypeChat:
		d.onChat(inb.Client, inb.Msg)
	case wire.TypeDisconnect:
		d.onDisconnect(inb.Client)
	default:
		// A running session logs and drops protocol violations; before the
		// start they cost the sender its connection.
		d.log.Warn("非預期的控制訊息",
			zap.String("type", inb.Msg.Type()),
			zap.Uint64("conn", inb.Client.ID),
		)
		if d.State() == StateAccepting {
			d.errorThenDrop(inb.Client, fmt.Sprintf("Unexpected %q message.", inb.Msg.Type()))
		}
	}
}

// do runs fn on the event goroutine and waits for it. Operator entry points
// funnel through here so that session transitions happen in one place and
// never interleave with event handling.
func (d *Driver) do(fn func()) error {
	done := make(chan struct{})
	select {
	case d.ops <- func() { fn(); close(done) }:
	case <-d.closedCh:
		return fmt.Errorf("control: session is shut down")
	}
	select {
	case <-done:
		return nil
	case <-d.closedCh:
		return fmt.Errorf("control: session is shut down")
	}
}

// CanStart reports whether every seat is filled and named.
func (d *Driver) CanStart() bool {
	return d.State() == StateAccepting && d.table.AllNamed()
}

// StartSession seals the seat table and launches the round loop. It fails
// when seats are still missing, when the survey file is unreadable, or when
// the output directory rejects the parameter dump.
func (d *Driver) StartSession() error {
	var err error
	if doErr := d.do(func() { err = d.startSession() }); doErr != nil {
		return doErr
	}
	return err
}

func (d *Driver) startSession() error {
	if d.State() != StateAccepting {
		return fmt.Errorf("control: session already started")
	}
	if !d.table.AllNamed() {
		return fmt.Errorf("control: not all %d seats are logged in", d.table.Size())
	}
	if sf := d.ctrl.SurveyFile(); sf != "" {
		if _, err := os.Stat(sf); err != nil {
			return &persist.StateError{Op: "check survey file", Err: err}
		}
	}

	sessionID := persist.SessionID(time.Now())
	experimentID := d.prm.Session.ExperimentID
	if experimentID == "" {
		experimentID = d.prm.Session.Controller
	}

	var mirror *persist.Mirror
	if d.cfg.DB != nil {
		mirror = persist.NewMirror(d.cfg.DB, sessionID)
	}
	st, err := persist.Open(d.cfg.OutputDir, sessionID, experimentID, mirror, d.log)
	if err != nil {
		return err
	}
	if err := st.DumpParams(d.prm); err != nil {
		return err
	}

	d.mu.Lock()
	d.store = st
	d.mu.Unlock()

	d.table.SetRunning()
	d.setState(StateRunning)
	d.log.Info("session 開始",
		zap.String("sessionID", sessionID),
		zap.String("experimentID", experimentID),
		zap.String("outputDir", d.cfg.OutputDir),
	)

	go d.runSession()
	return nil
}

// Pause freezes game traffic. Clients are told so their screens can say so.
func (d *Driver) Pause() error {
	var err error
	if doErr := d.do(func() { err = d.pause() }); doErr != nil {
		return doErr
	}
	return err
}

func (d *Driver) pause() error {
	if s := d.State(); s != StateRunning {
		return fmt.Errorf("control: cannot pause while %s", s)
	}
	d.comm.Pause()
	d.setState(StatePaused)
	d.log.Info("session 暫停")

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tellEveryoneLocked(wire.New(wire.TypePause))
	return nil
}

// tellEveryoneLocked queues a non-game message on every connected seat.
func (d *Driver) tellEveryoneLocked(m wire.Message) {
	for _, s := range d.table.Seats() {
		if s.Conn != nil {
			s.Conn.Send(m)
		}
	}
}

// CanResume reports whether the pause may be lifted: every seat connected
// again and every reconnected client ready.
func (d *Driver) CanResume() bool {
	if d.State() != StatePaused {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.AllConnected() && len(d.awaitingReady) == 0
}

// Resume reopens the gate and lets the controller restart its timers. The
// gate opens before the unpause hook runs: the hook's first job is usually
// to send game messages.
func (d *Driver) Resume() error {
	var err error
	if doErr := d.do(func() { err = d.resume() }); doErr != nil {
		return doErr
	}
	return err
}

func (d *Driver) resume() error {
	if s := d.State(); s != StatePaused {
		return fmt.Errorf("control: cannot resume while %s", s)
	}
	d.mu.Lock()
	if !d.table.AllConnected() {
		d.mu.Unlock()
		return fmt.Errorf("control: a seat is still disconnected")
	}
	if len(d.awaitingReady) > 0 {
		d.mu.Unlock()
		return fmt.Errorf("control: a reconnected client has not said ready")
	}
	d.mu.Unlock()

	d.comm.Resume()
	d.setState(StateRunning)

	d.mu.Lock()
	d.ctrl.OnUnpause(d)
	d.mu.Unlock()

	d.log.Info("session 繼續")
	return nil
}

// NextRound releases the round loop's between-rounds wait. Extra presses
// while a round is still running are absorbed.
func (d *Driver) NextRound() error {
	return d.do(func() {
		select {
		case d.nextCh <- struct{}{}:
		default:
		}
	})
}

// DropSeat closes a seat's connection. The regular disconnect path does the
// rest: before the start the seat empties, mid-session the session pauses.
func (d *Driver) DropSeat(id int) error {
	d.mu.Lock()
	s := d.table.Get(id)
	var conn *comm.Client
	if s != nil {
		conn = s.Conn
	}
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("control: seat %d has no connection", id)
	}
	conn.Close()
	return nil
}

// Info renders a one-line-per-seat summary for the operator console.
func (d *Driver) Info() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := fmt.Sprintf("state=%s round=%d\n", d.State(), d.round+1)
	for _, s := range d.table.Seats() {
		conn := "-"
		if s.Conn != nil {
			conn = s.Conn.IP
		}
		out += fmt.Sprintf("  seat %d  %-12s %-24s $%s  %s\n",
			s.ID, s.Name, s.Status, s.Earnings.StringFixed(2), conn)
	}
	return out
}

// EnableChat turns chat forwarding on with the given recipient filter; a
// nil filter forwards to everyone in reach. Called by controllers under the
// session lock.
func (d *Driver) EnableChat(filter ChatFilter) {
	if filter == nil {
		filter = func(_, _ *roster.Seat) bool { return true }
	}
	d.chatFilter = filter
}

// DisableChat stops chat forwarding.
func (d *Driver) DisableChat() {
	d.chatFilter = nil
}

// runSession is the run goroutine: the init handshake, the round loop and
// the end-of-experiment payout report.
func (d *Driver) runSession() {
	defer close(d.runDone)

	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			d.fatal(fmt.Errorf("controller panic: %v", rec))
		}
	}()

	seats := d.table.Seats()
	for _, s := range seats {
		init := wire.New(wire.TypeInit)
		init["GUIclass"] = d.ctrl.GUIName()
		init["id"] = s.ID
		init["name"] = s.Name
		for k, v := range d.ctrl.InitExtras(s) {
			init[k] = v
		}
		d.initMsgs[s.ID] = init
		if s.Conn != nil {
			s.Conn.Send(init)
		}
	}

	// The client builds its game screen on init; nothing may be sent until
	// every screen exists.
	if !d.awaitStartupReadies(len(seats)) {
		return
	}
	d.log.Info("全部受試者就緒")

	if err := d.ctrl.InitClients(d); err != nil {
		d.fatal(err)
		return
	}

	for {
		d.log.Info("回合開始", zap.Int("round", d.round+1))
		if !d.TellAll(wire.Message{"type": wire.TypeRound, "round": d.round}) {
			return
		}

		cont, err := d.ctrl.RunRound(d)
		if err != nil {
			d.fatal(err)
			return
		}

		for _, s := range d.table.Seats() {
			if s.Conn != nil {
				s.Conn.Send(wire.Message{"type": wire.TypeEarnings, "earnings": s.Earnings})
			}
		}

		if err := d.ctrl.PostRound(d); err != nil {
			d.fatal(err)
			return
		}

		d.flushRound()
		d.met.RoundsCompleted.Inc()

		if !cont {
			break
		}
		if !d.waitNextRound() {
			return
		}
		d.round++
	}

	d.finishSession()
}

// InitMessage returns a copy of the init payload a seat received at session
// start. Reinit payloads start from it.
func (d *Driver) InitMessage(seat *roster.Seat) wire.Message {
	base := d.initMsgs[seat.ID]
	out := make(wire.Message, len(base)+4)
	for k, v := range base {
		out[k] = v
	}
	return out
}

func (d *Driver) awaitStartupReadies(n int) bool {
	got := 0
	d.mu.Unlock()
	defer d.mu.Lock()
	for got < n {
		select {
		case s := <-d.readyCh:
			got++
			d.log.Info("受試者就緒", zap.Int("seat", s.ID), zap.String("name", s.Name))
		case <-d.closedCh:
			return false
		}
	}
	return true
}

func (d *Driver) waitNextRound() bool {
	if d.prm.Session.AutoAdvance {
		return true
	}
	d.log.Info("回合結束，等待操作員進入下一回合")
	d.mu.Unlock()
	defer d.mu.Lock()
	select {
	case <-d.nextCh:
		return true
	case <-d.closedCh:
		return false
	}
}

// AddHistoryRow queues one subject-round record for the next round flush.
// Custom match parameters surface as param_* columns on every row.
func (d *Driver) AddHistoryRow(row persist.HistoryRow) {
	if row.Match >= 1 && row.Match <= len(d.prm.Matches) {
		custom := d.prm.Matches[row.Match-1].Custom
		if len(custom) > 0 {
			if row.Values == nil {
				row.Values = make(map[string]interface{}, len(custom))
			}
			for k, v := range custom {
				row.Values["param_"+k] = v
			}
		}
	}
	d.pendingRows = append(d.pendingRows, row)
}

// AddMarketEvent queues one market event for the next round flush.
func (d *Driver) AddMarketEvent(ev persist.MarketEvent) {
	if ev.Action == "accept" {
		d.met.Transactions.Inc()
	}
	d.store.Market.Add(ev)
}

// flushRound writes the round's history, market events and the status
// snapshot. Mid-session persistence failures are logged, not fatal: the
// writers keep what they could not flush and retry at the next round
// boundary.
func (d *Driver) flushRound() {
	rows := d.pendingRows
	d.pendingRows = nil

	status := make([]persist.StatusRow, 0, d.table.Size())
	showUp := d.ctrl.ShowUpPayment()
	for _, s := range d.table.Seats() {
		rounded := s.Rounding.Apply(s.Earnings)
		ip := ""
		if s.Conn != nil {
			ip = s.Conn.IP
		}
		status = append(status, persist.StatusRow{
			Round:    d.round + 1,
			Subject:  s.ID,
			IP:       ip,
			Name:     s.Name,
			Status:   s.Status,
			Earnings: s.Earnings,
			Rounded:  rounded,
			ShowUp:   showUp,
			Total:    rounded.Add(showUp),
		})
	}

	if err := d.store.FlushRound(rows, status); err != nil {
		d.log.Error("回合資料寫入失敗，下一回合重試", zap.Int("round", d.round+1), zap.Error(err))
	}
}

func (d *Driver) finishSession() {
	d.log.Info("所有回合結束")

	showUp := d.ctrl.ShowUpPayment()
	survey := d.ctrl.SurveyFile() != ""
	for _, s := range d.table.Seats() {
		m := wire.Message{
			"type":          wire.TypeEndOfExperiment,
			"earnings":      s.Earnings,
			"showUpPayment": showUp,
			"rounding":      string(d.ctrl.Rounding()),
			"totalPayment":  s.Rounding.Apply(s.Earnings).Add(showUp),
		}
		if survey {
			m["survey"] = true
		}
		if s.Conn != nil {
			s.Conn.Send(m)
		}
	}
	d.setState(StateFinished)
}

func (d *Driver) fatal(err error) {
	d.log.Error("控制器失敗，session 中止", zap.Error(err))
	d.setState(StateFinished)
}

package comm

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/metrics"
	"github.com/econlab/server/internal/wire"
)

const syncProbes = 4

// Config tunes one communicator. Zero fields fall back to the defaults.
type Config struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
	SendQueue    int
	GameQueue    int
	EventQueue   int
	MaxFrame     int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.GameQueue <= 0 {
		c.GameQueue = 256
	}
	if c.EventQueue <= 0 {
		c.EventQueue = 256
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = wire.DefaultMaxFrame
	}
	return c
}

// Inbound pairs one message with the connection that produced it. Timer
// expiries carry a nil Client.
type Inbound struct {
	Client *Client
	Msg    wire.Message

	epoch uint64 // timer epoch, set on timeup entries only
}

// Comm owns the listener, the inbound game queue, the event stream for the
// session driver, the pause gate and the auction timer. Game messages reach
// the controller through Recv; every other message type is an event.
type Comm struct {
	ln  net.Listener
	cfg Config

	gameQ  chan Inbound
	events chan Inbound

	gate  *pauseGate
	timer auctionTimer

	clientsMu sync.Mutex
	clients   map[uint64]*Client

	nextID atomic.Uint64

	met *metrics.Registry
	log *zap.Logger

	closeCh   chan struct{}
	closeOnce sync.Once
}

func New(ln net.Listener, cfg Config, met *metrics.Registry, log *zap.Logger) *Comm {
	cfg = cfg.withDefaults()
	return &Comm{
		ln:      ln,
		cfg:     cfg,
		gameQ:   make(chan Inbound, cfg.GameQueue),
		events:  make(chan Inbound, cfg.EventQueue),
		gate:    newPauseGate(),
		clients: make(map[uint64]*Client),
		met:     met,
		log:     log,
		closeCh: make(chan struct{}),
	}
}

// AcceptLoop runs until the listener closes. Each accepted socket gets its
// own setup goroutine so one slow clock sync cannot stall new arrivals.
func (co *Comm) AcceptLoop() {
	for {
		conn, err := co.ln.Accept()
		if err != nil {
			select {
			case <-co.closeCh:
				return
			default:
			}
			co.log.Warn("連線接受失敗", zap.Error(err))
			continue
		}
		go co.handleNew(conn)
	}
}

// handleNew wires one fresh socket: connect event first, then the write and
// read workers, then the clock-sync handshake. The connect event must be
// posted before the read worker starts or the driver could see a login from
// a connection it has never heard of.
func (co *Comm) handleNew(conn net.Conn) {
	id := co.nextID.Add(1)
	c := newClient(conn, id, co.cfg, co.gate, co.met, co.log)

	co.clientsMu.Lock()
	co.clients[id] = c
	co.clientsMu.Unlock()
	co.met.ConnectionsActive.Inc()
	co.log.Info("新連線", zap.Uint64("conn", id), zap.String("ip", c.IP))

	co.postEvent(Inbound{Client: c, Msg: wire.New(wire.TypeConnect)})

	go c.writeLoop()
	go func() {
		c.readLoop(co.route)
		co.dropClient(c)
	}()

	if err := co.clockSync(c); err != nil {
		co.log.Warn("時鐘同步失敗", zap.Uint64("conn", id), zap.Error(err))
		c.Close()
	}
}

// route classifies one inbound message: game messages feed the controller
// queue, everything else is an event for the driver.
func (co *Comm) route(c *Client, m wire.Message) {
	co.met.MessagesIn.Inc()
	if m.IsGM() {
		select {
		case co.gameQ <- Inbound{Client: c, Msg: m}:
		case <-co.closeCh:
		}
		return
	}
	co.postEvent(Inbound{Client: c, Msg: m})
}

func (co *Comm) dropClient(c *Client) {
	co.clientsMu.Lock()
	_, known := co.clients[c.ID]
	delete(co.clients, c.ID)
	co.clientsMu.Unlock()
	if !known {
		return
	}
	co.met.ConnectionsActive.Dec()
	co.met.ConnectionsClosed.Inc()
	co.log.Info("連線關閉", zap.Uint64("conn", c.ID))
	co.postEvent(Inbound{Client: c, Msg: wire.New(wire.TypeDisconnect)})
}

func (co *Comm) postEvent(inb Inbound) {
	select {
	case co.events <- inb:
	case <-co.closeCh:
	}
}

// PostEvent injects a synthesized event into the driver's stream.
func (co *Comm) PostEvent(c *Client, m wire.Message) {
	co.postEvent(Inbound{Client: c, Msg: m})
}

// Events is the driver's inbound stream: connects, disconnects, logins and
// every other non-game message, in arrival order per connection.
func (co *Comm) Events() <-chan Inbound {
	return co.events
}

// Recv blocks for the next game message. While the session is paused the
// gate holds delivery. Expiries of timers that were cancelled or restarted
// after the entry was queued are silently dropped.
func (co *Comm) Recv() (Inbound, bool) {
	for {
		co.gate.Wait()
		select {
		case inb := <-co.gameQ:
			if inb.Client == nil && inb.Msg.Subtype() == wire.GMTimeup && inb.epoch != co.timer.currentEpoch() {
				continue
			}
			return inb, true
		case <-co.closeCh:
			return Inbound{}, false
		}
	}
}

// clockSync runs the four-probe handshake and keeps the probe with the
// smallest round trip. The offset is a best-effort estimate for aligning
// event timestamps, nothing stronger.
func (co *Comm) clockSync(c *Client) error {
	var (
		bestRTT time.Duration = -1
		offset  float64
	)
	for i := 0; i < syncProbes; i++ {
		st1 := time.Now()
		c.Send(wire.New(wire.TypeSync))
		r, ok := c.awaitSync(co.cfg.IdleTimeout)
		if !ok {
			return fmt.Errorf("sync probe %d/%d: no reply", i+1, syncProbes)
		}
		rtt := r.at.Sub(st1)
		if bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			ct := r.msg.Float("time")
			st2 := float64(r.at.UnixNano()) / float64(time.Second)
			offset = ct + rtt.Seconds()/2 - st2
		}
	}
	c.setClockOffset(offset)
	co.log.Debug("時鐘同步完成",
		zap.Uint64("conn", c.ID),
		zap.Float64("offset", offset),
		zap.Duration("rtt", bestRTT),
	)
	return nil
}

// StartTimer arms the auction timer. A previously running timer is replaced.
func (co *Comm) StartTimer(d time.Duration) {
	co.timer.start(d, co.timerFired)
}

func (co *Comm) timerFired(epoch uint64) {
	if !co.timer.expire(epoch) {
		return
	}
	select {
	case co.gameQ <- Inbound{Msg: wire.NewGM(wire.GMTimeup), epoch: epoch}:
	case <-co.closeCh:
	}
}

// CancelTimer stops the auction timer, recording the remaining time.
// Idempotent.
func (co *Comm) CancelTimer() { co.timer.cancel() }

func (co *Comm) TimerRunning() bool { return co.timer.isRunning() }

// TimeLeft reports the remaining time on a running timer, zero otherwise.
func (co *Comm) TimeLeft() time.Duration { return co.timer.timeLeft() }

// TimeLeftAtCancel reports the time that was left when the timer was last
// cancelled. Used to resume an auction after a pause.
func (co *Comm) TimeLeftAtCancel() time.Duration { return co.timer.leftAtCancel() }

// Pause closes the gate for game traffic and cancels any running auction
// timer, recording the remaining time for the resume.
func (co *Comm) Pause() {
	co.gate.Pause()
	co.timer.cancel()
	co.met.Paused.Set(1)
}

// Resume reopens the gate. Restarting the auction timer is the controller's
// job.
func (co *Comm) Resume() {
	co.gate.Resume()
	co.met.Paused.Set(0)
}

func (co *Comm) IsPaused() bool { return co.gate.Paused() }

// Count reports the number of open connections.
func (co *Comm) Count() int {
	co.clientsMu.Lock()
	defer co.clientsMu.Unlock()
	return len(co.clients)
}

func (co *Comm) Addr() net.Addr {
	return co.ln.Addr()
}

// Close shuts the listener and every open connection. The pause gate opens
// so that senders parked on it can observe the shutdown.
func (co *Comm) Close() {
	co.closeOnce.Do(func() {
		close(co.closeCh)
		co.gate.Resume()
		co.ln.Close()

		co.clientsMu.Lock()
		clients := make([]*Client, 0, len(co.clients))
		for _, c := range co.clients {
			clients = append(clients, c)
		}
		co.clientsMu.Unlock()

		for _, c := range clients {
			c.Close()
		}
	})
}

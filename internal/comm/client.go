package comm

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/metrics"
	"github.com/econlab/server/internal/wire"
)

// syncReply carries one clock-sync answer together with its arrival time.
// Arrival is stamped in the read worker, as close to the socket as we get.
type syncReply struct {
	msg wire.Message
	at  time.Time
}

// Client is one live connection. Network I/O runs in dedicated goroutines;
// seat state belongs to the session table, not here.
type Client struct {
	ID   uint64
	conn net.Conn

	out   chan wire.Message // write worker drains this, FIFO per connection
	syncQ chan syncReply    // clock-sync replies bypass normal routing

	IP string

	// offset is the server-to-client clock offset in seconds, established
	// once by the sync handshake before any game message is exchanged.
	offsetMu    sync.Mutex
	clockOffset float64

	lastSent atomic.Int64 // unix nanos of the last outbound write

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	pingInterval time.Duration
	idleTimeout  time.Duration
	maxFrame     int

	gate *pauseGate
	met  *metrics.Registry

	log *zap.Logger
}

func newClient(conn net.Conn, id uint64, cfg Config, gate *pauseGate, met *metrics.Registry, log *zap.Logger) *Client {
	return &Client{
		ID:           id,
		conn:         conn,
		out:          make(chan wire.Message, cfg.SendQueue),
		syncQ:        make(chan syncReply, syncProbes),
		IP:           conn.RemoteAddr().String(),
		closeCh:      make(chan struct{}),
		pingInterval: cfg.PingInterval,
		idleTimeout:  cfg.IdleTimeout,
		maxFrame:     cfg.MaxFrame,
		gate:         gate,
		met:          met,
		log:          log.With(zap.Uint64("conn", id)),
	}
}

// Send queues one message for delivery. Game messages wait at the pause gate
// first, so a paused session holds the caller; everything else (errors,
// prompts, pings, reconnection traffic) passes straight through.
// If the send queue is full the connection is dropped: a client that cannot
// drain its queue is not worth stalling the session for.
func (c *Client) Send(m wire.Message) {
	if m.Type() == wire.TypeGM && c.gate != nil {
		c.gate.Wait()
	}
	if c.closed.Load() {
		return
	}
	select {
	case c.out <- m:
	default:
		c.log.Warn("送出佇列已滿，斷開慢速連線")
		c.Close()
	}
}

// ClockOffset reports the server-to-client offset in seconds.
func (c *Client) ClockOffset() float64 {
	c.offsetMu.Lock()
	defer c.offsetMu.Unlock()
	return c.clockOffset
}

func (c *Client) setClockOffset(off float64) {
	c.offsetMu.Lock()
	c.clockOffset = off
	c.offsetMu.Unlock()
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.conn.Close()
	})
}

func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// readLoop reads frames until the socket dies or goes silent past the idle
// timeout. Every inbound message is handed to route; the caller synthesizes
// the disconnect event when this returns.
func (c *Client) readLoop(route func(*Client, wire.Message)) {
	defer c.Close()

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		payload, err := wire.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			if !c.closed.Load() {
				c.log.Debug("讀取失敗", zap.Error(err))
			}
			return
		}

		m, err := wire.Decode(payload)
		if err != nil {
			// One undecodable payload means the stream can no longer be
			// trusted; drop the connection rather than guess.
			c.met.DecodeErrors.Inc()
			c.log.Warn("封包解碼失敗，斷開連線", zap.Error(err))
			return
		}

		switch m.Type() {
		case wire.TypePing:
			// Nothing to do: the read deadline above is already refreshed.
		case wire.TypeSync:
			select {
			case c.syncQ <- syncReply{msg: m, at: time.Now()}:
			default:
			}
		default:
			route(c, m)
		}
	}
}

// writeLoop drains the send queue and keeps the line warm with pings when
// there has been no outbound traffic for a ping interval.
func (c *Client) writeLoop() {
	defer c.Close()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-c.out:
			if !c.writeOne(m) {
				return
			}
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastSent.Load()))
			if idle < c.pingInterval {
				continue
			}
			if !c.writeOne(wire.New(wire.TypePing)) {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) writeOne(m wire.Message) bool {
	data, err := wire.Encode(m)
	if err != nil {
		c.log.Error("訊息編碼失敗", zap.String("type", m.Type()), zap.Error(err))
		return true // the message is lost, the connection is fine
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.idleTimeout))
	if err := wire.WriteFrame(c.conn, data, c.maxFrame); err != nil {
		if !c.closed.Load() {
			c.log.Debug("寫入失敗", zap.Error(err))
		}
		return false
	}
	c.lastSent.Store(time.Now().UnixNano())
	c.met.MessagesOut.Inc()
	return true
}

// awaitSync blocks for the next clock-sync reply.
func (c *Client) awaitSync(timeout time.Duration) (syncReply, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-c.syncQ:
		return r, true
	case <-t.C:
		return syncReply{}, false
	case <-c.closeCh:
		return syncReply{}, false
	}
}

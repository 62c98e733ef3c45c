package comm

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/econlab/server/internal/metrics"
	"github.com/econlab/server/internal/wire"
)

func newTestComm(t *testing.T, cfg Config) *Comm {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	co := New(ln, cfg, metrics.NewRegistry(), zap.NewNop())
	t.Cleanup(co.Close)
	go co.AcceptLoop()
	return co
}

// testPeer plays the client side of the protocol: it answers clock-sync
// probes immediately and forwards everything else to in.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	in   chan wire.Message
}

func dialPeer(t *testing.T, addr string) *testPeer {
	return dialSkewedPeer(t, addr, 0)
}

// dialSkewedPeer connects a peer whose clock runs skew seconds ahead of the
// server's.
func dialSkewedPeer(t *testing.T, addr string, skew float64) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	p := &testPeer{t: t, conn: conn, in: make(chan wire.Message, 64)}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			payload, err := wire.ReadFrame(conn, wire.DefaultMaxFrame)
			if err != nil {
				close(p.in)
				return
			}
			m, err := wire.Decode(payload)
			if err != nil {
				close(p.in)
				return
			}
			switch m.Type() {
			case wire.TypeSync:
				p.send(wire.Message{
					"type": wire.TypeSync,
					"time": float64(time.Now().UnixNano())/float64(time.Second) + skew,
				})
			case wire.TypePing:
			default:
				p.in <- m
			}
		}
	}()
	return p
}

func (p *testPeer) send(m wire.Message) {
	data, err := wire.Encode(m)
	require.NoError(p.t, err)
	require.NoError(p.t, wire.WriteFrame(p.conn, data, wire.DefaultMaxFrame))
}

func nextEvent(t *testing.T, co *Comm) Inbound {
	t.Helper()
	select {
	case e := <-co.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event within deadline")
		return Inbound{}
	}
}

func TestPauseGate(t *testing.T) {
	g := newPauseGate()
	g.Wait() // open gate must not block

	g.Pause()
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("gate passed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gate stayed shut after resume")
	}
}

func TestTimerDeliversTimeup(t *testing.T) {
	co := newTestComm(t, Config{})

	co.StartTimer(10 * time.Millisecond)
	inb, ok := co.Recv()
	require.True(t, ok)
	assert.Nil(t, inb.Client)
	assert.Equal(t, wire.GMTimeup, inb.Msg.Subtype())
	assert.False(t, co.TimerRunning())
}

func TestCancelledTimerExpiryIsDropped(t *testing.T) {
	co := newTestComm(t, Config{})

	co.StartTimer(5 * time.Millisecond)
	time.Sleep(40 * time.Millisecond) // expiry is now sitting in the queue
	co.CancelTimer()

	co.StartTimer(20 * time.Millisecond)
	inb, ok := co.Recv()
	require.True(t, ok)
	assert.Equal(t, wire.GMTimeup, inb.Msg.Subtype(), "only the live timer's expiry may surface")

	select {
	case stale := <-co.gameQ:
		t.Fatalf("unexpected queued message: %v", stale.Msg)
	default:
	}
}

func TestCancelTimerRecordsTimeLeft(t *testing.T) {
	co := newTestComm(t, Config{})

	co.StartTimer(500 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	co.CancelTimer()

	left := co.TimeLeftAtCancel()
	assert.Greater(t, left, 200*time.Millisecond)
	assert.LessOrEqual(t, left, 500*time.Millisecond)

	co.CancelTimer() // idempotent: the recording must not change
	assert.Equal(t, left, co.TimeLeftAtCancel())
}

func TestConnectEventPrecedesFirstMessage(t *testing.T) {
	co := newTestComm(t, Config{})

	p := dialPeer(t, co.Addr().String())
	p.send(wire.Message{"type": wire.TypeLogin, "name": "alice"})

	first := nextEvent(t, co)
	require.Equal(t, wire.TypeConnect, first.Msg.Type())
	require.NotNil(t, first.Client)

	second := nextEvent(t, co)
	assert.Equal(t, wire.TypeLogin, second.Msg.Type())
	assert.Equal(t, "alice", second.Msg.Str("name"))
	assert.Same(t, first.Client, second.Client)
}

func TestGameMessagesReachRecv(t *testing.T) {
	co := newTestComm(t, Config{})

	p := dialPeer(t, co.Addr().String())
	connect := nextEvent(t, co)
	require.Equal(t, wire.TypeConnect, connect.Msg.Type())

	p.send(wire.Message{"type": wire.TypeGM, "subtype": wire.GMBid, "amount": 2})
	inb, ok := co.Recv()
	require.True(t, ok)
	assert.Equal(t, wire.GMBid, inb.Msg.Subtype())
	assert.Same(t, connect.Client, inb.Client)

	p.send(wire.Message{"type": wire.TypeChat, "text": "hello"})
	ev := nextEvent(t, co)
	assert.Equal(t, wire.TypeChat, ev.Msg.Type(), "non-game messages are events, not game traffic")
}

func TestPausedRecvBlocks(t *testing.T) {
	co := newTestComm(t, Config{})

	co.Pause()
	co.gameQ <- Inbound{Client: &Client{}, Msg: wire.NewGM(wire.GMBid)}

	got := make(chan Inbound, 1)
	go func() {
		inb, _ := co.Recv()
		got <- inb
	}()

	select {
	case <-got:
		t.Fatal("Recv returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	co.Resume()
	select {
	case inb := <-got:
		assert.Equal(t, wire.GMBid, inb.Msg.Subtype())
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked after resume")
	}
}

func TestPauseCancelsAuctionTimer(t *testing.T) {
	co := newTestComm(t, Config{})

	co.StartTimer(time.Minute)
	co.Pause()
	assert.False(t, co.TimerRunning())
	assert.Greater(t, co.TimeLeftAtCancel(), 50*time.Second)
	co.Resume()
}

func TestClockSyncEstimatesOffset(t *testing.T) {
	co := newTestComm(t, Config{})

	// A peer whose clock runs three seconds ahead must yield an offset of
	// about +3; loopback round trips contribute almost nothing.
	dialSkewedPeer(t, co.Addr().String(), 3.0)
	connect := nextEvent(t, co)
	require.Equal(t, wire.TypeConnect, connect.Msg.Type())

	require.Eventually(t, func() bool {
		return connect.Client.ClockOffset() != 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 3.0, connect.Client.ClockOffset(), 0.5)
}

func TestIdleConnectionIsDropped(t *testing.T) {
	co := newTestComm(t, Config{IdleTimeout: 200 * time.Millisecond})

	conn, err := net.Dial("tcp", co.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	connect := nextEvent(t, co)
	require.Equal(t, wire.TypeConnect, connect.Msg.Type())

	// A peer that never writes anything must be classified as disconnected.
	ev := nextEvent(t, co)
	assert.Equal(t, wire.TypeDisconnect, ev.Msg.Type())
	assert.Same(t, connect.Client, ev.Client)
}

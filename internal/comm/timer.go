package comm

import (
	"sync"
	"time"
)

// auctionTimer is the single-shot phase timer. Each start bumps an epoch;
// expiries stamped with an older epoch are dropped by the queue reader, so a
// timeup from a cancelled or restarted phase can never leak into the next
// one.
type auctionTimer struct {
	mu               sync.Mutex
	t                *time.Timer
	epoch            uint64
	deadline         time.Time
	running          bool
	timeLeftAtCancel time.Duration
}

// start arms the timer and returns the new epoch. Any previous timer is
// implicitly cancelled.
func (at *auctionTimer) start(d time.Duration, fire func(epoch uint64)) uint64 {
	at.mu.Lock()
	defer at.mu.Unlock()

	if at.t != nil {
		at.t.Stop()
	}
	at.epoch++
	at.running = true
	at.deadline = time.Now().Add(d)

	e := at.epoch
	at.t = time.AfterFunc(d, func() { fire(e) })
	return e
}

// expire marks the timer stopped if the firing epoch is still current.
// Returns false for stale epochs.
func (at *auctionTimer) expire(epoch uint64) bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	if epoch != at.epoch || !at.running {
		return false
	}
	at.running = false
	return true
}

// cancel stops the timer and records how much time was left. Idempotent: a
// second cancel keeps the first recording.
func (at *auctionTimer) cancel() {
	at.mu.Lock()
	defer at.mu.Unlock()
	if !at.running {
		return
	}
	at.running = false
	at.epoch++
	if at.t != nil {
		at.t.Stop()
	}
	left := time.Until(at.deadline)
	if left < 0 {
		left = 0
	}
	at.timeLeftAtCancel = left
}

func (at *auctionTimer) timeLeft() time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()
	if !at.running {
		return 0
	}
	left := time.Until(at.deadline)
	if left < 0 {
		left = 0
	}
	return left
}

func (at *auctionTimer) leftAtCancel() time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.timeLeftAtCancel
}

func (at *auctionTimer) currentEpoch() uint64 {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.epoch
}

func (at *auctionTimer) isRunning() bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.running
}

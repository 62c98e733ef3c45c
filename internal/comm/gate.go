package comm

import "sync"

// pauseGate holds game traffic while the session is paused. Wait returns
// immediately when open and blocks while paused; everything that is not a
// game message never touches the gate, which is what lets the reconnection
// protocol run to completion during a pause.
type pauseGate struct {
	mu     sync.Mutex
	openCh chan struct{} // closed while the gate is open
	paused bool
}

func newPauseGate() *pauseGate {
	g := &pauseGate{openCh: make(chan struct{})}
	close(g.openCh)
	return g
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.openCh = make(chan struct{})
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.openCh)
}

func (g *pauseGate) Wait() {
	g.mu.Lock()
	ch := g.openCh
	g.mu.Unlock()
	<-ch
}

func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

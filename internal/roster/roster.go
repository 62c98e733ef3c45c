package roster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/wire"
)

// Statuses the runtime itself assigns. Controllers may write their own
// display strings while a round runs; connectivity is always judged from the
// connection binding, never from the string.
const (
	StatusWaitingForConnection = "waiting-for-connection"
	StatusConnected            = "connected"
	StatusDisconnected         = "disconnected"
)

// NoGroup marks a seat that has not been placed in a group yet.
const NoGroup = -1

var (
	ErrNoSlot  = errors.New("roster: no available slot")
	ErrRunning = errors.New("roster: seats are frozen while the session runs")
)

// Seat is one subject's slot. Fields are accessed only under the driver's
// session lock; the table mutex guards slot binding, not seat fields.
type Seat struct {
	ID       int
	Name     string
	Status   string
	Earnings money.Amount
	Rounding money.Rounding

	Conn  *comm.Client // nil while disconnected
	Group int

	// Ask bookkeeping, owned by the ask primitive.
	ReplyReceived bool
	Unanswered    wire.Message

	// Scratch carries controller state: color, account, production function.
	Scratch interface{}
}

// Connected reports whether the seat has a live connection.
func (s *Seat) Connected() bool {
	return s.Conn != nil
}

// Table is the fixed-length seat table. It is the single source of truth
// for the connection binding of every seat.
type Table struct {
	mu      sync.Mutex
	slots   []*Seat
	running bool
}

func New(n int) *Table {
	return &Table{slots: make([]*Seat, n)}
}

func (t *Table) Size() int {
	return len(t.slots)
}

// Allocate binds conn to the lowest empty slot. Fails with ErrNoSlot when
// the table is full.
func (t *Table) Allocate(conn *comm.Client) (*Seat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots {
		if s != nil && s.Conn == conn {
			return nil, fmt.Errorf("roster: connection already bound to seat %d", s.ID)
		}
	}
	for i, s := range t.slots {
		if s == nil {
			seat := &Seat{
				ID:     i,
				Status: StatusConnected,
				Conn:   conn,
				Group:  NoGroup,
			}
			t.slots[i] = seat
			return seat, nil
		}
	}
	return nil, ErrNoSlot
}

func (t *Table) Get(id int) *Seat {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

func (t *Table) ByConn(c *comm.Client) *Seat {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s != nil && s.Conn == c {
			return s
		}
	}
	return nil
}

func (t *Table) ByName(name string) *Seat {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s != nil && s.Name == name {
			return s
		}
	}
	return nil
}

// Unbind detaches a seat's connection, keeping the seat. Used when a
// running session loses a client; the seat waits for a relogin.
func (t *Table) Unbind(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return
	}
	t.slots[id].Conn = nil
	t.slots[id].Status = StatusDisconnected
}

// Reassign rebinds a disconnected seat to a new connection.
func (t *Table) Reassign(id int, conn *comm.Client) (*Seat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, fmt.Errorf("roster: no seat %d", id)
	}
	s := t.slots[id]
	if s.Conn != nil {
		return nil, fmt.Errorf("roster: seat %d is still connected", id)
	}
	s.Conn = conn
	s.Status = StatusConnected
	return s, nil
}

// Release empties a slot. Only legal before the session has entered the
// running phase.
func (t *Table) Release(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrRunning
	}
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return fmt.Errorf("roster: no seat %d", id)
	}
	t.slots[id] = nil
	return nil
}

// SetRunning freezes the table. Seats are never created or destroyed once
// the session runs.
func (t *Table) SetRunning() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
}

// Seats returns the bound seats in slot order.
func (t *Table) Seats() []*Seat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Seat, 0, len(t.slots))
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Disconnected returns the seats without a live connection.
func (t *Table) Disconnected() []*Seat {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Seat
	for _, s := range t.slots {
		if s != nil && s.Conn == nil {
			out = append(out, s)
		}
	}
	return out
}

// Full reports whether every slot is bound.
func (t *Table) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s == nil {
			return false
		}
	}
	return true
}

// AllNamed reports whether every slot is bound to a named seat.
func (t *Table) AllNamed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s == nil || s.Name == "" {
			return false
		}
	}
	return true
}

// AllConnected reports whether every slot is bound and has a live
// connection.
func (t *Table) AllConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s == nil || s.Conn == nil {
			return false
		}
	}
	return true
}

package control

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/roster"
	"github.com/econlab/server/internal/wire"
)

// Controller runs one game on top of the session driver. The driver owns
// seats, connections and the round-loop shell; the controller owns the rules
// inside a round. Every hook is invoked under the driver's session lock, so
// controllers never synchronize their own state.
type Controller interface {
	// GUIName names the client presentation to load, sent in every init.
	GUIName() string

	NumPlayers() int
	Rounding() money.Rounding
	ShowUpPayment() money.Amount

	// SurveyFile is the post-session survey to serve, empty for none. A
	// non-empty path that does not exist aborts the session start.
	SurveyFile() string

	// InitExtras returns controller fields merged into the seat's init
	// message.
	InitExtras(seat *roster.Seat) wire.Message

	// InitClients runs once, after every seat has acknowledged its init.
	InitClients(d *Driver) error

	// RunRound plays one round and reports whether more rounds follow.
	RunRound(d *Driver) (bool, error)

	// PostRound runs after earnings were sent and the round was persisted.
	PostRound(d *Driver) error

	// OnUnpause restarts whatever timer state the pause cancelled.
	OnUnpause(d *Driver)

	// ReinitPayload rebuilds the full client state of a reconnecting seat.
	ReinitPayload(d *Driver, seat *roster.Seat) wire.Message
}

// Factory builds a controller from a validated parameter set.
type Factory func(p *params.Params, log *zap.Logger) (Controller, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a controller available under the name parameter files use.
// Controllers register themselves from init functions; registering the same
// name twice is a programming error.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("control: controller %q registered twice", name))
	}
	registry[name] = f
}

// NewController builds the controller the parameter file names.
func NewController(p *params.Params, log *zap.Logger) (Controller, error) {
	registryMu.RLock()
	f, ok := registry[p.Session.Controller]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("control: unknown controller %q (have %v)", p.Session.Controller, Registered())
	}
	return f(p, log)
}

// Registered lists the registered controller names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package wire

import (
	"github.com/econlab/server/internal/money"
)

// Message types. The set is closed: unknown types are a protocol violation.
const (
	TypeConnect         = "connect"
	TypeLogin           = "login"
	TypeLoginPrompt     = "loginPrompt"
	TypeReloginPrompt   = "reloginPrompt"
	TypeRelogin         = "relogin"
	TypeReady           = "ready"
	TypeChat            = "chat"
	TypePause           = "pause"
	TypeDisconnect      = "disconnect"
	TypeError           = "error"
	TypeInit            = "init"
	TypeReinit          = "reinit"
	TypeRound           = "round"
	TypeEarnings        = "earnings"
	TypeEndOfExperiment = "endOfExperiment"
	TypeSync            = "sync"
	TypePing            = "ping"
	TypeGM              = "gm"
)

// Game-message subtypes. Game logic may add its own (quiz prompts are
// free-form); these are the ones the runtime itself produces or consumes.
const (
	GMTimeup           = "timeup"
	GMProduction       = "production"
	GMProductionChoice = "productionChoice"
	GMAuction          = "auction"
	GMBid              = "bid"
	GMAsk              = "ask"
	GMTransaction      = "transaction"
	GMError            = "error"
	GMAcctUpdate       = "acctUpdate"
	GMInitMatch        = "initmatch"
	GMMatchAndRound    = "matchAndRound"
)

// Message is one tagged record. Every field besides the tag lives in the
// map; the typed accessors coerce decoded CBOR shapes back into Go values
// and return zero values for absent or mistyped fields.
type Message map[string]interface{}

func New(typ string) Message { return Message{"type": typ} }

func NewGM(subtype string) Message {
	return Message{"type": TypeGM, "subtype": subtype}
}

func (m Message) Type() string    { s, _ := m["type"].(string); return s }
func (m Message) Subtype() string { s, _ := m["subtype"].(string); return s }

func (m Message) IsGM() bool { return m.Type() == TypeGM }

func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m Message) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

func (m Message) Int(key string) int {
	n, _ := asInt64(m[key])
	return int(n)
}

func (m Message) Int64(key string) int64 {
	n, _ := asInt64(m[key])
	return n
}

// Float returns the named field as a float64. Durations and clock readings
// travel as floats; money never does.
func (m Message) Float(key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	n, _ := asInt64(m[key])
	return float64(n)
}

// Amount returns the named field as an exact money amount. Bare integers
// are accepted as whole units; floats are not money and yield zero.
func (m Message) Amount(key string) money.Amount {
	switch v := m[key].(type) {
	case money.Amount:
		return v
	case int64:
		return money.FromInt(v)
	case uint64:
		return money.FromInt(int64(v))
	case int:
		return money.FromInt(int64(v))
	}
	return money.Zero
}

func (m Message) List(key string) []interface{} {
	l, _ := m[key].([]interface{})
	return l
}

func (m Message) Map(key string) Message {
	mm, _ := m[key].(map[string]interface{})
	return Message(mm)
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

package wire

import (
	"math/big"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/econlab/server/internal/money"
)

const decimalFractionTag = 4

// decMode decodes nested maps as map[string]interface{} so a payload walks
// the same regardless of nesting depth.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Encode serializes one message as CBOR. Money amounts emit themselves as
// decimal fractions.
func Encode(m Message) ([]byte, error) {
	data, err := cbor.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, &DecodeError{Reason: "encode message", Err: err}
	}
	return data, nil
}

// Decode parses one CBOR payload into a message. Decimal fractions anywhere
// in the payload become money amounts, so a bid sent as 1.5 comes back as
// exactly 1.5 and not 1.4999999999999.
func Decode(data []byte) (Message, error) {
	var raw map[string]interface{}
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Reason: "payload is not a CBOR map", Err: err}
	}
	m := Message(fromWire(raw).(map[string]interface{}))
	if m.Type() == "" {
		return nil, &DecodeError{Reason: "message has no type"}
	}
	return m, nil
}

// fromWire rewrites decoded CBOR shapes in place: tag 4 becomes a money
// amount, containers recurse.
func fromWire(v interface{}) interface{} {
	switch t := v.(type) {
	case cbor.Tag:
		if a, ok := amountFromTag(t); ok {
			return a
		}
		return t
	case map[string]interface{}:
		for k, e := range t {
			t[k] = fromWire(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = fromWire(e)
		}
		return t
	}
	return v
}

func amountFromTag(t cbor.Tag) (money.Amount, bool) {
	if t.Number != decimalFractionTag {
		return money.Zero, false
	}
	parts, ok := t.Content.([]interface{})
	if !ok || len(parts) != 2 {
		return money.Zero, false
	}
	exp, ok := asInt64(parts[0])
	if !ok {
		return money.Zero, false
	}
	var coef *big.Int
	switch m := parts[1].(type) {
	case big.Int:
		coef = &m
	case *big.Int:
		coef = m
	default:
		n, ok := asInt64(parts[1])
		if !ok {
			return money.Zero, false
		}
		coef = big.NewInt(n)
	}
	return money.FromBigInt(coef, int32(exp)), true
}

package wire

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econlab/server/internal/money"
)

func TestEncodeDecodeBid(t *testing.T) {
	m := Message{"type": TypeGM, "subtype": GMBid, "amount": money.MustParse("1.5")}

	data, err := Encode(m)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeGM, back.Type())
	assert.Equal(t, GMBid, back.Subtype())
	assert.Equal(t, "1.5", back.Amount("amount").String(), "amount must survive as an exact decimal")
}

func TestDecodeConvertsNestedAmounts(t *testing.T) {
	m := Message{
		"type": TypeEndOfExperiment,
		"accounts": []interface{}{
			map[string]interface{}{"seat": 0, "earnings": money.MustParse("5.25")},
			map[string]interface{}{"seat": 1, "earnings": money.MustParse("0.07")},
		},
		"showUpPayment": money.MustParse("7"),
	}

	data, err := Encode(m)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "7", back.Amount("showUpPayment").String())

	accounts := back.List("accounts")
	require.Len(t, accounts, 2)
	first := Message(accounts[0].(map[string]interface{}))
	assert.Equal(t, 0, first.Int("seat"))
	assert.Equal(t, "5.25", first.Amount("earnings").String())
	second := Message(accounts[1].(map[string]interface{}))
	assert.Equal(t, "0.07", second.Amount("earnings").String())
}

func TestDecodeRejectsTypelessMessage(t *testing.T) {
	data, err := cbor.Marshal(map[string]interface{}{"foo": 1})
	require.NoError(t, err)

	_, err = Decode(data)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestDecodeRejectsNonMapPayload(t *testing.T) {
	data, err := cbor.Marshal([]int{1, 2, 3})
	require.NoError(t, err)

	_, err = Decode(data)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestMessageAccessors(t *testing.T) {
	data, err := Encode(Message{
		"type":     TypeChat,
		"seat":     3,
		"text":     "hi there",
		"muted":    true,
		"timeLeft": 2.5,
	})
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Int("seat"))
	assert.Equal(t, "hi there", m.Str("text"))
	assert.True(t, m.Bool("muted"))
	assert.Equal(t, 2.5, m.Float("timeLeft"))
	assert.True(t, m.Has("muted"))
	assert.False(t, m.Has("absent"))
	assert.Equal(t, "", m.Str("seat"), "mistyped access returns the zero value")
}

func TestAmountAcceptsBareIntegers(t *testing.T) {
	data, err := cbor.Marshal(map[string]interface{}{"type": "gm", "subtype": "bid", "amount": 2})
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, m.Amount("amount").Equal(money.FromInt(2)))
}

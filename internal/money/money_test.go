package money

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAmountCBORRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.1", "1.5", "-2.37", "19.99", "1234.56", "-0.01"} {
		a := MustParse(s)
		data, err := cbor.Marshal(a)
		require.NoError(t, err, s)

		var back Amount
		require.NoError(t, cbor.Unmarshal(data, &back), s)
		assert.True(t, a.Equal(back), "round trip of %s gave %s", s, back)
		assert.Equal(t, s, back.String())
	}
}

func TestAmountCBOREncodesDecimalFraction(t *testing.T) {
	// 1.5 is mantissa 15 at exponent -1: tag(4) [ -1, 15 ].
	data, err := cbor.Marshal(MustParse("1.5"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc4, 0x82, 0x20, 0x0f}, data)
}

func TestAmountCBORAcceptsBareInteger(t *testing.T) {
	data, err := cbor.Marshal(int64(42))
	require.NoError(t, err)

	var a Amount
	require.NoError(t, cbor.Unmarshal(data, &a))
	assert.True(t, a.Equal(FromInt(42)))
}

func TestAmountCBORRejectsFloat(t *testing.T) {
	data, err := cbor.Marshal(1.5)
	require.NoError(t, err)

	var a Amount
	assert.Error(t, cbor.Unmarshal(data, &a))
}

func TestAmountYAMLIsExact(t *testing.T) {
	var doc struct {
		Price Amount `yaml:"price"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("price: 0.15"), &doc))
	assert.Equal(t, "0.15", doc.Price.String())
	assert.Equal(t, int64(15), doc.Price.Cents())
}

func TestAmountJSONIsBareNumber(t *testing.T) {
	out, err := json.Marshal(map[string]Amount{"showUpPayment": MustParse("7.00")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"showUpPayment": 7}`, string(out))
}

func TestAmountCents(t *testing.T) {
	assert.Equal(t, int64(1000), MustParse("10").Cents())
	assert.Equal(t, int64(-237), MustParse("-2.37").Cents())
	assert.Equal(t, int64(13), MustParse("0.125").Cents())
}

func TestRoundingPolicies(t *testing.T) {
	cases := []struct {
		policy Rounding
		in     string
		want   string
	}{
		{RoundPenny, "3.262", "3.26"},
		{RoundPenny, "3.265", "3.27"},
		{RoundQuarter, "3.10", "3"},
		{RoundQuarter, "3.13", "3.25"},
		{RoundQuarterUp, "3.01", "3.25"},
		{RoundQuarterUp, "3.25", "3.25"},
		{RoundDollar, "3.49", "3"},
		{RoundDollar, "3.50", "4"},
		{RoundDollarUp, "3.01", "4"},
		{RoundDollarUp, "3.00", "3"},
		{RoundDollar, "-3.50", "-4"},
		{RoundDollarUp, "-3.20", "-3"},
	}
	for _, c := range cases {
		got := c.policy.Apply(MustParse(c.in))
		assert.Equal(t, c.want, got.String(), "%s(%s)", c.policy, c.in)
	}
}

func TestParseRounding(t *testing.T) {
	r, err := ParseRounding("quarter-up")
	require.NoError(t, err)
	assert.Equal(t, RoundQuarterUp, r)

	_, err = ParseRounding("nickel")
	assert.Error(t, err)
}

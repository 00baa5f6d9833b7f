package catalogue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Price Money `json:"price"`
	}{ZeroPrice})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"0.00"}`, string(out))

	var in struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.5","b":3.999}`), &in))
	assert.Equal(t, "12.50", in.A.String())
	assert.Equal(t, "4.00", in.B.String())

	assert.Error(t, json.Unmarshal([]byte(`{"a":"cheap"}`), &in))
}

func TestFlexIDAcceptsNumbersAndStrings(t *testing.T) {
	tests := []struct {
		in    string
		want  FlexID
		fails bool
	}{
		{`42`, FlexID{42, true}, false},
		{`"42"`, FlexID{42, true}, false},
		{`" 7 "`, FlexID{7, true}, false},
		{`12.0`, FlexID{12, true}, false},
		{`null`, FlexID{}, false},
		{`""`, FlexID{}, false},
		{`"abc"`, FlexID{}, true},
		{`1.5`, FlexID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id FlexID
			err := json.Unmarshal([]byte(tt.in), &id)
			if tt.fails {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestFlexStringKeepsAnyScalar(t *testing.T) {
	tests := []struct {
		in    string
		want  FlexString
		fails bool
	}{
		{`"Pho"`, FlexString{"Pho", true}, false},
		{`""`, FlexString{"", true}, false},
		{`12`, FlexString{"12", true}, false},
		{`true`, FlexString{"true", true}, false},
		{`null`, FlexString{}, false},
		{`{"a":1}`, FlexString{}, true},
		{`[1]`, FlexString{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s FlexString
			err := json.Unmarshal([]byte(tt.in), &s)
			if tt.fails {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := ParseID("15")
	require.NoError(t, err)
	assert.Equal(t, int64(15), id)

	_, err = ParseID("fifteen")
	assert.Error(t, err)
}

package config

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueFromJSON(t *testing.T) {
	tests := []struct {
		tag  string
		raw  string
		want Value
	}{
		{"boolean", `true`, Bool(true)},
		{"double", `0.5`, Float(0.5)},
		{"double", `1`, Float(1)},
		{"string", `"/maps/a.json"`, String("/maps/a.json")},
		{"boolean[]", `[true,false]`, BoolArray{true, false}},
		{"double[]", `[1.5,2]`, FloatArray{1.5, 2}},
		{"string[]", `["a","b"]`, StringArray{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ValueFromJSON(tt.tag, []byte(tt.raw))
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "got %v want %v", got, tt.want)
		})
	}
}

func TestValueFromJSONUnsupportedTag(t *testing.T) {
	for _, tag := range []string{"integer", "raw", "int[]", ""} {
		_, err := ValueFromJSON(tag, []byte(`1`))
		var uerr *UnsupportedTypeError
		require.True(t, errors.As(err, &uerr), "tag %q", tag)
		assert.Equal(t, tag, uerr.Tag)
	}
}

func TestValueFromJSONBadPayload(t *testing.T) {
	tests := []struct {
		tag string
		raw string
	}{
		{"boolean", `"yes"`},
		{"boolean", `null`},
		{"double", `null`},
		{"string", ` null `},
		{"string", ``},
		{"double[]", `null`},
		{"string[]", `[1]`},
	}
	for _, tt := range tests {
		t.Run(tt.tag+" "+tt.raw, func(t *testing.T) {
			v, err := ValueFromJSON(tt.tag, []byte(tt.raw))
			require.ErrorIs(t, err, ErrTypeMismatch)
			assert.Nil(t, v)
			var uerr *UnsupportedTypeError
			assert.False(t, errors.As(err, &uerr))
		})
	}
}

func TestValueJSON(t *testing.T) {
	b, err := ValueJSON(FloatArray{0.5, 1})
	require.NoError(t, err)
	assert.JSONEq(t, `[0.5,1]`, string(b))

	b, err = ValueJSON(String("x"))
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(b))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Bool(true), Bool(true)))
	assert.False(t, Equal(Bool(true), Bool(false)))
	assert.False(t, Equal(Float(1), Bool(true)))
	assert.True(t, Equal(StringArray{"a"}, StringArray{"a"}))
	assert.False(t, Equal(StringArray{"a"}, StringArray{"a", "b"}))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, Bool(false)))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "double[]", KindDoubleArray.String())
	assert.Equal(t, "unknown(0)", Kind(0).String())

	k, err := ParseKind("string[]")
	require.NoError(t, err)
	assert.Equal(t, KindStringArray, k)
}

func TestStringLogsUnquoted(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	var v Value = String("/maps/field.json")
	log.Info("configuration change", "value", v)
	assert.Contains(t, buf.String(), "value=/maps/field.json")
	assert.Equal(t, `"/maps/field.json"`, v.String())
}

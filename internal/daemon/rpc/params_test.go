package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_String(t *testing.T) {
	p := ParseParams(json.RawMessage(`{"a":"x","n":3,"z":null}`))

	s, err := p.String("a")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = p.String("n")
	assert.EqualError(t, err, "missing or invalid `n`")
	_, err = p.String("z")
	assert.EqualError(t, err, "missing or invalid `z`")
	_, err = p.String("absent")
	assert.EqualError(t, err, "missing or invalid `absent`")

	for _, raw := range []string{``, `null`, `"str"`, `[1]`} {
		_, err := ParseParams(json.RawMessage(raw)).String("a")
		assert.EqualError(t, err, "missing `a`", "params %q", raw)
	}
}

func TestParams_Optional(t *testing.T) {
	p := ParseParams(json.RawMessage(`{"n":7,"neg":-1,"big":5000000000,"b":false,"list":["a",1,"b"],"obj":{"k":1}}`))

	n, ok := p.OptUint64("n")
	assert.True(t, ok)
	assert.EqualValues(t, 7, n)
	_, ok = p.OptUint64("neg")
	assert.False(t, ok)
	_, ok = p.OptUint32("big")
	assert.False(t, ok)

	b, ok := p.OptBool("b")
	assert.True(t, ok)
	assert.False(t, b)

	list, err := p.Strings("list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)
	_, err = p.Strings("nope")
	assert.EqualError(t, err, "missing `nope`")

	v, err := p.Value("obj")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(v))

	assert.Nil(t, p.OptStringPtr("n"))

	var target map[string]int
	require.NoError(t, p.Decode("obj", &target))
	assert.Equal(t, map[string]int{"k": 1}, target)
}

package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"c": 3, "b": 2, "a": 1},
		"list":  []any{map[string]any{"y": true, "x": false}},
	}
	b := map[string]any{
		"list":  []any{map[string]any{"x": false, "y": true}},
		"alpha": map[string]any{"a": 1, "b": 2, "c": 3},
		"zebra": 1,
	}

	ab, err := Marshal(a)
	require.NoError(t, err)
	bb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, ab, bb, "insertion order must not affect canonical bytes")
	assert.Equal(t, `{"alpha":{"a":1,"b":2,"c":3},"list":[{"x":false,"y":true}],"zebra":1}`, string(ab))
}

func TestMarshalStructMatchesMap(t *testing.T) {
	type inner struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	type outer struct {
		Z string `json:"z"`
		M inner  `json:"m"`
	}

	sb, err := Marshal(outer{Z: "v", M: inner{B: 2, A: 1}})
	require.NoError(t, err)

	mb, err := Marshal(map[string]any{"m": map[string]any{"a": 1, "b": 2}, "z": "v"})
	require.NoError(t, err)

	assert.Equal(t, mb, sb)
}

func TestMarshalPreservesNumberPrecision(t *testing.T) {
	out, err := Marshal(map[string]any{"sats": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"sats":9007199254740993}`, string(out))
}

func TestMarshalWithoutOmitsFields(t *testing.T) {
	type signed struct {
		Name      string `json:"name"`
		Signature string `json:"signature"`
	}

	out, err := MarshalWithout(signed{Name: "x", Signature: "sig"}, "signature")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x"}`, string(out))
}

func TestMarshalWithoutRejectsNonObject(t *testing.T) {
	_, err := MarshalWithout([]int{1, 2}, "signature")
	assert.Error(t, err)
}

func TestHashStable(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputMapPreservesInsertionOrder(t *testing.T) {
	m := NewInputMap()
	m.Set("seed", 42)
	m.Set("steps", 20)
	m.Set("model", []any{"4", 0})

	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `{"seed":42,"steps":20,"model":["4",0]}`, string(out))
}

func TestInputMapOverwriteKeepsPosition(t *testing.T) {
	m := NewInputMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)

	require.Equal(t, []string{"a", "b"}, m.Keys())
	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `{"a":3,"b":2}`, string(out))
}

func TestInputMapNoHTMLEscaping(t *testing.T) {
	m := NewInputMap()
	m.Set("➕ Add Lora", "")
	m.Set("text", "a < b & c")

	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `{"➕ Add Lora":"","text":"a < b & c"}`, string(out))
}

func TestInputMapNested(t *testing.T) {
	inner := NewInputMap()
	inner.Set("x", 1)

	m := NewInputMap()
	m.Set("inner", inner)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `{"inner":{"x":1}}`, string(out))
}

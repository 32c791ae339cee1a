package ordered

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAppendsInOrder(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("x", 3)
	require.Equal(t, []string{"a", "b", "x"}, m.Keys())
}

func TestPutReplacesKeepsPosition(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("a", 99)

	require.Equal(t, []string{"a", "b"}, m.Keys())
	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 99, v)
}

func TestPutAtInsertsBeforeTarget(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	m.PutAt("x", 3, m.IndexOf("b"))
	require.Equal(t, []string{"a", "x", "b"}, m.Keys())
}

func TestMoveToEnd(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("c", 3)
	m.MoveTo("a", m.Len())
	require.Equal(t, []string{"b", "c", "a"}, m.Keys())
}

func TestScenario1Ordering(t *testing.T) {
	// From spec.md §8, scenario 1: +a, +b, +x before b, then move a before x.
	m := New[string, int]()
	m.Put("a", 0)
	m.Put("b", 0)
	m.PutAt("x", 0, m.IndexOf("b"))
	require.Equal(t, []string{"a", "x", "b"}, m.Keys())

	m.MoveTo("a", m.IndexOf("x"))
	require.Equal(t, []string{"x", "a", "b"}, m.Keys())
}

func TestRemoveReturnsPriorValue(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	v, ok := m.Remove("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.False(t, m.Has("a"))

	_, ok = m.Remove("a")
	require.False(t, ok)
}

func TestMoveToUnknownKeyNoop(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.MoveTo("missing", 0)
	require.Equal(t, []string{"a"}, m.Keys())
}

func TestEachStopsEarly(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("c", 3)

	var seen []string
	m.Each(func(k string, v int) bool {
		seen = append(seen, k)
		return k != "b"
	})
	require.Equal(t, []string{"a", "b"}, seen)
}

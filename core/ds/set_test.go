package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_Json(t *testing.T) {
	s := NewStringSet("req-1", "req-2", "req-3")

	data, err := json.Marshal(&s)
	require.NoError(t, err)
	require.Equal(t, `["req-1","req-2","req-3"]`, string(data))

	var back StringSet
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, s.Values(), back.Values())
}

func TestSet_AddRemove(t *testing.T) {
	s := NewStringSet()
	require.True(t, s.IsEmpty())

	s.Add("a")
	s.Add("b")
	s.Add("a") // duplicate, no-op
	require.Equal(t, 2, s.Len())
	require.True(t, s.Contains("a"))

	s.Remove("a")
	require.False(t, s.Contains("a"))
	require.Equal(t, []string{"b"}, s.Values())

	s.Remove("missing") // no-op
	require.Equal(t, 1, s.Len())
}

func TestSet_OrderPreserved(t *testing.T) {
	s := NewSet(3, 1, 2)
	require.Equal(t, []int{3, 1, 2}, s.Values())

	var seen []int
	s.ForEach(func(v int) { seen = append(seen, v) })
	require.Equal(t, []int{3, 1, 2}, seen)

	s.Remove(1)
	s.Add(1)
	require.Equal(t, []int{3, 2, 1}, s.Values())
}

package observable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreNotifiesSubscribers(t *testing.T) {
	s := New(1)
	var got []int
	sub := s.Subscribe(func(v int) { got = append(got, v) })

	s.Set(2)
	require.Equal(t, 3, s.Update(func(v int) int { return v + 1 }))
	require.Equal(t, []int{1, 2, 3}, got)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	s.Set(10)
	require.Equal(t, []int{1, 2, 3}, got)
	require.Equal(t, 10, s.Get())
	require.Zero(t, s.Subscribers())
}

func TestStoreNotifiesInSubscriptionOrder(t *testing.T) {
	s := New("")
	var order []string
	s.Subscribe(func(string) { order = append(order, "a") })
	b := s.Subscribe(func(string) { order = append(order, "b") })
	s.Subscribe(func(string) { order = append(order, "c") })
	require.NoError(t, b.Close())
	order = nil

	s.Set("x")
	require.Equal(t, []string{"a", "c"}, order)
}

func TestModifyNotifiesOnlyOnChange(t *testing.T) {
	s := New(5)
	calls := 0
	s.Subscribe(func(int) { calls++ })
	calls = 0

	v, changed := s.Modify(func(v int) (int, bool) { return v, false })
	require.False(t, changed)
	require.Equal(t, 5, v)
	require.Zero(t, calls)

	v, changed = s.Modify(func(v int) (int, bool) { return v * 2, true })
	require.True(t, changed)
	require.Equal(t, 10, v)
	require.Equal(t, 1, calls)
}

func TestNilListenerIsIgnored(t *testing.T) {
	s := New(0)
	sub := s.Subscribe(nil)
	require.NoError(t, sub.Close())
	require.Zero(t, s.Subscribers())
}

func TestDeriveTracksSource(t *testing.T) {
	src := New([]int{1, 2})
	sum := Derive[[]int, int](src, func(v []int) int {
		total := 0
		for _, n := range v {
			total += n
		}
		return total
	})
	require.Equal(t, 3, sum.Get())

	var seen []int
	sum.Subscribe(func(v int) { seen = append(seen, v) })
	src.Set([]int{4, 5, 6})
	require.Equal(t, 15, sum.Get())
	require.Equal(t, []int{3, 15}, seen)

	require.NoError(t, sum.Close())
	src.Set([]int{1})
	require.Equal(t, 15, sum.Get())
	require.Zero(t, src.Subscribers())
}

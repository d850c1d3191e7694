package volatile

import (
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetUpdateDropsExpired(t *testing.T) {
	clk := clock.NewMock()
	s := NewSet[string](3*time.Minute, clk)
	s.Add("a")
	clk.Add(2 * time.Minute)
	s.Add("b")

	s.Update()
	require.True(t, s.Contains("a"))
	require.True(t, s.Contains("b"))

	clk.Add(time.Minute)
	s.Update()
	assert.False(t, s.Contains("a"), "a reached its survival window")
	assert.True(t, s.Contains("b"))

	elapsed, ok := s.Elapsed("b")
	require.True(t, ok)
	assert.Equal(t, time.Minute, elapsed)
}

func TestSetNoStaleEntryAcrossTwoUpdates(t *testing.T) {
	clk := clock.NewMock()
	s := NewSet[int](time.Minute, clk)
	for i := 0; i < 50; i++ {
		s.Add(i)
		clk.Add(time.Second)
	}
	s.Update()
	clk.Add(2 * time.Minute)
	s.Update()
	assert.Equal(t, 0, s.Len())
}

func TestSetAddRefreshesTimestamp(t *testing.T) {
	clk := clock.NewMock()
	s := NewSet[string](time.Minute, clk)
	s.Add("x")
	clk.Add(50 * time.Second)
	s.Add("x")
	clk.Add(50 * time.Second)
	s.Update()
	assert.True(t, s.Contains("x"))
}

func TestSetValuesAndRemove(t *testing.T) {
	s := NewSet[int](time.Minute, clock.NewMock())
	s.AddAll([]int{3, 1, 2})
	s.Remove(2)
	vals := s.Values()
	sort.Ints(vals)
	assert.Equal(t, []int{1, 3}, vals)
	s.RemoveAll([]int{1, 3})
	assert.Zero(t, s.Len())
}

func TestMapUpdate(t *testing.T) {
	clk := clock.NewMock()
	m := NewMap[string, int](10*time.Minute, clk)
	m.Set("a", 1)
	clk.Add(5 * time.Minute)
	m.Set("b", 2)
	clk.Add(5 * time.Minute)
	m.Update()

	_, ok := m.Get("a")
	assert.False(t, ok)
	v, ok := m.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"b"}, m.Keys())
}

func TestPrioritySameSlotSums(t *testing.T) {
	clk := clock.NewMock()
	p := NewPriority(10*time.Minute, clk)
	p.Add(3)
	clk.Add(time.Second)
	p.Add(4)
	assert.Equal(t, 7, p.Value())
	assert.Len(t, p.slots, 1)
}

func TestPriorityExpiresOldSlots(t *testing.T) {
	clk := clock.NewMock()
	p := NewPriority(10*time.Minute, clk)
	p.Add(5)
	clk.Add(time.Minute)
	p.Add(-2)
	require.Equal(t, 3, p.Value())

	clk.Add(9 * time.Minute)
	p.Update()
	assert.Equal(t, -2, p.Value())

	clk.Add(time.Minute)
	p.Update()
	assert.Equal(t, 0, p.Value())
}

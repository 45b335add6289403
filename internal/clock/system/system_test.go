package system

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "now %v outside [%v, %v]", got, before, after)
}

func TestFrozenAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	clk := NewFrozen(start)
	require.Equal(t, start.UTC(), clk.Now())
	require.Equal(t, time.UTC, clk.Now().Location())

	clk.Advance(90 * time.Second)
	require.Equal(t, start.UTC().Add(90*time.Second), clk.Now())

	later := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	clk.Set(later)
	require.Equal(t, later, clk.Now())
}

func TestFrozenConcurrentAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFrozen(start)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clk.Advance(time.Second)
			_ = clk.Now()
		}()
	}
	wg.Wait()
	require.Equal(t, start.Add(50*time.Second), clk.Now())
}

package flow

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitAsync(g *Gate) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- g.Wait(context.Background()) }()
	return ch
}

func requireBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("expected Wait to block, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func requireUnblocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Wait to return")
	}
}

func TestOutstandingAccounting(t *testing.T) {
	g := NewGate(100)
	r := rand.New(rand.NewSource(1))

	var enqueued, completed int64
	var pending []int
	for i := 0; i < 1000; i++ {
		if len(pending) == 0 || r.Intn(2) == 0 {
			n := r.Intn(64)
			g.Acquire(n)
			enqueued += int64(n)
			pending = append(pending, n)
		} else {
			n := pending[0]
			pending = pending[1:]
			g.Release(n)
			completed += int64(n)
		}
		require.Equal(t, enqueued-completed, g.Outstanding())
		require.GreaterOrEqual(t, g.Outstanding(), int64(0))
	}
}

func TestWaitBlocksAboveHighWater(t *testing.T) {
	g := NewGate(10)

	g.Acquire(10)
	require.True(t, g.Open(), "at the mark is still open")

	g.Acquire(1)
	require.False(t, g.Open())

	ch := waitAsync(g)
	requireBlocked(t, ch)

	g.Release(1)
	requireUnblocked(t, ch)
}

func TestPauseIsIndependentOfBudget(t *testing.T) {
	g := NewGate(10)
	g.Acquire(20)
	g.Pause()

	ch := waitAsync(g)
	requireBlocked(t, ch)

	// budget clears, still paused
	g.Release(20)
	requireBlocked(t, ch)

	g.Resume()
	requireUnblocked(t, ch)

	g.Acquire(20)
	ch = waitAsync(g)
	// pause lifted, budget still exceeded
	g.Resume()
	requireBlocked(t, ch)
	g.Release(15)
	requireUnblocked(t, ch)
}

func TestUnblock(t *testing.T) {
	g := NewGate(1)
	g.Acquire(5)
	g.Pause()
	ch := waitAsync(g)
	requireBlocked(t, ch)

	g.Unblock()
	requireUnblocked(t, ch)
	assert.True(t, g.Open())
}

func TestWaitContextCanceled(t *testing.T) {
	g := NewGate(0)
	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.Wait(ctx), context.Canceled)
}

func TestNoBudgetWhenHighWaterDisabled(t *testing.T) {
	g := NewGate(0)
	g.Acquire(1 << 30)
	assert.True(t, g.Open())
}

func TestReleaseMoreThanOutstandingPanics(t *testing.T) {
	g := NewGate(10)
	g.Acquire(1)
	assert.Panics(t, func() { g.Release(2) })
}

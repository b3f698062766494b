package flow

import (
	"context"
	"fmt"
	"sync"
)

// Gate decides whether a producer may hand more data to a consumer.
// Two independent conditions must both allow it: the number of outstanding bytes must be at or under the
// high-water mark, and the gate must not be paused by an explicit request.
// A high-water mark <= 0 disables the byte budget.
//
// Gate is safe for concurrent use.
type Gate struct {
	highWater int64

	m           sync.Mutex
	outstanding int64
	paused      bool
	released    bool
	// waiters are closed whenever the gate transitions to open, so that Wait() calls can re-check
	waiters []chan struct{}
}

func NewGate(highWater int64) *Gate {
	return &Gate{highWater: highWater}
}

func (g *Gate) openLocked() bool {
	if g.released {
		return true
	}
	if g.paused {
		return false
	}
	return g.highWater <= 0 || g.outstanding <= g.highWater
}

func (g *Gate) wakeLocked() {
	if !g.openLocked() {
		return
	}
	for _, w := range g.waiters {
		close(w)
	}
	g.waiters = nil
}

// Wait blocks until the gate is open or the context is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.m.Lock()
		if g.openLocked() {
			g.m.Unlock()
			return nil
		}
		ch := make(chan struct{})
		g.waiters = append(g.waiters, ch)
		g.m.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Acquire records n bytes handed to the consumer and not yet confirmed.
func (g *Gate) Acquire(n int) {
	g.m.Lock()
	defer g.m.Unlock()
	g.outstanding += int64(n)
}

// Release records that n previously acquired bytes were confirmed.
func (g *Gate) Release(n int) {
	g.m.Lock()
	defer g.m.Unlock()
	if int64(n) > g.outstanding {
		panic(fmt.Sprintf("flow: releasing %d bytes with only %d outstanding", n, g.outstanding))
	}
	g.outstanding -= int64(n)
	g.wakeLocked()
}

func (g *Gate) Pause() {
	g.m.Lock()
	defer g.m.Unlock()
	g.paused = true
}

func (g *Gate) Resume() {
	g.m.Lock()
	defer g.m.Unlock()
	g.paused = false
	g.wakeLocked()
}

// Unblock opens the gate permanently, regardless of budget or pause state.
// It is used when the consumer is gone and producers must not stay parked.
func (g *Gate) Unblock() {
	g.m.Lock()
	defer g.m.Unlock()
	g.released = true
	g.wakeLocked()
}

func (g *Gate) Open() bool {
	g.m.Lock()
	defer g.m.Unlock()
	return g.openLocked()
}

func (g *Gate) Paused() bool {
	g.m.Lock()
	defer g.m.Unlock()
	return g.paused
}

func (g *Gate) Outstanding() int64 {
	g.m.Lock()
	defer g.m.Unlock()
	return g.outstanding
}

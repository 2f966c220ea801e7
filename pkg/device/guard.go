package device

import (
	"context"
	"sync/atomic"
)

// Guard serializes access to the device. It is held for one operation at a
// time (a tap, a dump, a single key event), never for a whole flow, so the
// poller and the audio forwarder can interleave with long automations.
type Guard struct {
	sem       chan struct{}
	acquired  atomic.Int64
	contended atomic.Int64
}

// GuardStats reports how the guard has been used.
type GuardStats struct {
	Acquired  int64 `json:"acquired"`
	Contended int64 `json:"contended"`
	Held      bool  `json:"held"`
}

// NewGuard returns an unlocked guard.
func NewGuard() *Guard {
	return &Guard{sem: make(chan struct{}, 1)}
}

// Lock blocks until the guard is free or ctx is done.
func (g *Guard) Lock(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		g.acquired.Add(1)
		return nil
	default:
	}

	g.contended.Add(1)
	select {
	case g.sem <- struct{}{}:
		g.acquired.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the guard. Unlocking a free guard panics.
func (g *Guard) Unlock() {
	select {
	case <-g.sem:
	default:
		panic("device: unlock of unlocked guard")
	}
}

// Do runs fn while holding the guard.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	if err := g.Lock(ctx); err != nil {
		return err
	}
	defer g.Unlock()
	return fn()
}

// Stats returns a snapshot of the usage counters.
func (g *Guard) Stats() GuardStats {
	return GuardStats{
		Acquired:  g.acquired.Load(),
		Contended: g.contended.Load(),
		Held:      len(g.sem) == 1,
	}
}

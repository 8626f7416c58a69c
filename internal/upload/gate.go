// Package upload bounds concurrent artifact uploads across batches and pushes
// finalized artifacts to the configured blob store.
package upload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Ceiling bounds.
const (
	MinCeiling     = 1
	MaxCeiling     = 20
	DefaultCeiling = 2
)

// Gate is a fair counting semaphore whose ceiling can change at runtime.
// Waiters are served in FIFO order. Capacity is fixed at MaxCeiling and the
// ceiling is enforced by holding the difference in reserve.
type Gate struct {
	sem      *semaphore.Weighted
	mu       sync.Mutex // serializes SetCeiling
	ceiling  atomic.Int64
	inFlight atomic.Int64
}

// NewGate returns a gate admitting up to ceiling concurrent holders.
func NewGate(ceiling int) (*Gate, error) {
	if err := ValidateCeiling(ceiling); err != nil {
		return nil, err
	}
	g := &Gate{sem: semaphore.NewWeighted(MaxCeiling)}
	if !g.sem.TryAcquire(MaxCeiling - int64(ceiling)) {
		return nil, fmt.Errorf("reserve upload slots")
	}
	g.ceiling.Store(int64(ceiling))
	return g, nil
}

// ValidateCeiling reports whether n is within [MinCeiling, MaxCeiling].
func ValidateCeiling(n int) error {
	if n < MinCeiling || n > MaxCeiling {
		return fmt.Errorf("upload ceiling must be between %d and %d, got %d", MinCeiling, MaxCeiling, n)
	}
	return nil
}

// Do runs fn while holding one slot, blocking until a slot is free.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for upload slot: %w", err)
	}
	g.inFlight.Add(1)
	defer func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	}()
	return fn(ctx)
}

// SetCeiling changes the ceiling. Raising it frees reserved slots at once.
// Lowering it queues behind current waiters and returns once enough running
// uploads have finished, or when ctx ends.
func (g *Gate) SetCeiling(ctx context.Context, n int) error {
	if err := ValidateCeiling(n); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	delta := int64(n) - g.ceiling.Load()
	switch {
	case delta > 0:
		g.sem.Release(delta)
	case delta < 0:
		if err := g.sem.Acquire(ctx, -delta); err != nil {
			return fmt.Errorf("shrink upload ceiling: %w", err)
		}
	}
	g.ceiling.Store(int64(n))
	return nil
}

// Ceiling returns the current ceiling.
func (g *Gate) Ceiling() int {
	return int(g.ceiling.Load())
}

// InFlight returns the number of uploads currently holding a slot.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_CeilingBoundsConcurrency(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(2)
	require.NoError(t, err)

	var (
		running  atomic.Int32
		maxSeen  atomic.Int32
		finished atomic.Int32
		wg       sync.WaitGroup
	)
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					prev := maxSeen.Load()
					if n <= prev || maxSeen.CompareAndSwap(prev, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				finished.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return gate.InFlight() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return gate.InFlight() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(5), finished.Load())
	require.LessOrEqual(t, maxSeen.Load(), int32(2))
	require.Zero(t, gate.InFlight())
}

func TestGate_FIFOOrder(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(1)
	require.NoError(t, err)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = gate.Do(context.Background(), func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = gate.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Let each waiter queue before the next one arrives.
		time.Sleep(20 * time.Millisecond)
	}
	close(hold)
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestGate_SetCeiling(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(DefaultCeiling)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, gate.SetCeiling(ctx, 5))
	require.Equal(t, 5, gate.Ceiling())

	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Do(ctx, func(context.Context) error {
				<-release
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return gate.InFlight() == 5 }, time.Second, 5*time.Millisecond)

	shrunk := make(chan error, 1)
	go func() { shrunk <- gate.SetCeiling(ctx, 1) }()
	require.Never(t, func() bool { return len(shrunk) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	wg.Wait()
	require.NoError(t, <-shrunk)
	require.Equal(t, 1, gate.Ceiling())

	require.Error(t, gate.SetCeiling(ctx, 0))
	require.Error(t, gate.SetCeiling(ctx, MaxCeiling+1))
}

func TestGate_SetCeilingHonorsContext(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(2)
	require.NoError(t, err)

	hold := make(chan struct{})
	defer close(hold)
	for i := 0; i < 2; i++ {
		go func() {
			_ = gate.Do(context.Background(), func(context.Context) error {
				<-hold
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return gate.InFlight() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, gate.SetCeiling(ctx, 1))
	require.Equal(t, 2, gate.Ceiling())
}

func TestNewGate_Validation(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, -1, 21} {
		_, err := NewGate(n)
		require.Error(t, err, n)
	}
	gate, err := NewGate(MaxCeiling)
	require.NoError(t, err)
	require.Equal(t, MaxCeiling, gate.Ceiling())
}

func TestGate_DoHonorsContext(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(1)
	require.NoError(t, err)
	hold := make(chan struct{})
	defer close(hold)
	go func() {
		_ = gate.Do(context.Background(), func(context.Context) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, func() bool { return gate.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = gate.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

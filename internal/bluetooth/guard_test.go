package bluetooth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardSingleFlight(t *testing.T) {
	// GOAL: Verify the per-device single-flight rule: the second concurrent
	// operation fails immediately instead of queuing, and devices never
	// interfere with each other.

	g := NewGuard()

	require.NoError(t, g.Begin("dev-a", "read"))

	err := g.Begin("dev-a", "write")
	require.Error(t, err, "a second operation on the same device MUST fail immediately")
	assert.True(t, errors.Is(err, ErrOperationInProgress))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "read", te.Msg, "the error MUST name the operation holding the slot")

	assert.NoError(t, g.Begin("dev-b", "read"), "another device MUST have its own slot")

	g.End("dev-a")
	assert.NoError(t, g.Begin("dev-a", "write"), "releasing the slot MUST allow the next operation")
}

func TestGuardConcurrentClaims(t *testing.T) {
	// TEST SCENARIO: N goroutines race for the same device slot; exactly one
	// wins, everyone else gets ErrOperationInProgress.

	g := NewGuard()

	const n = 32
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Begin("dev-a", "connect")
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			assert.True(t, errors.Is(err, ErrOperationInProgress))
		}
	}
	assert.Equal(t, 1, won, "exactly one claim MUST win")
}

func TestCompletionResolveOnce(t *testing.T) {
	// GOAL: Verify the exactly-once resume contract: the first resolve wins
	// and every later one is a no-op.

	c := NewCompletion[int]()
	assert.False(t, c.Resolved())

	assert.True(t, c.Resolve(42, nil), "the first resolve MUST win")
	assert.False(t, c.Resolve(99, errors.New("late")), "a second resolve MUST be a no-op")

	val, err := c.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val, "the winning value MUST be delivered")
	assert.True(t, c.Resolved())
}

func TestCompletionConcurrentResolvers(t *testing.T) {
	c := NewCompletion[int]()

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Resolve(i, nil) {
				wins <- i
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := make([]int, 0, n)
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one resolver MUST win")

	val, err := c.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, winners[0], val)
}

func TestCompletionAwaitCancellation(t *testing.T) {
	// TEST SCENARIO: Await is cancelled before the platform callback fires.
	// The cancellation settles the slot, so the late callback loses the race
	// instead of resuming a dead waiter.

	c := NewCompletion[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.False(t, c.Resolve("late-callback", nil), "a callback after cancellation MUST lose")

	val, err := c.Await(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "the settled error MUST stick")
	assert.Empty(t, val)
}

package bluetooth

import (
	"context"
	"sync"
)

// Guard enforces the per-device single-flight rule: at most one outstanding
// request/response operation (connect/discover/read/write/notify/disconnect)
// per device identity at any time. A second concurrent call fails immediately
// with ErrOperationInProgress rather than queuing; callers serialize such
// calls themselves. Long-lived data streams bypass the guard.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]string // device ID -> operation name
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{inFlight: make(map[string]string)}
}

// Begin claims the single operation slot for a device. It fails with
// ErrOperationInProgress if any operation is already outstanding.
func (g *Guard) Begin(deviceID, op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, busy := g.inFlight[deviceID]; busy {
		return &TransportError{Kind: OperationInProgress, Attribute: deviceID, Msg: current}
	}
	g.inFlight[deviceID] = op
	return nil
}

// End releases the operation slot for a device.
func (g *Guard) End(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, deviceID)
}

// InFlight reports the operation currently claiming the device's slot.
func (g *Guard) InFlight(deviceID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.inFlight[deviceID]
	return op, ok
}

// Completion is a single-owner completion slot for one outstanding operation.
// Whoever resolves first wins - the platform callback, a disconnect, or
// context cancellation - and every later resolve is a no-op. This preserves
// the exactly-once resume contract: a suspended operation is never resumed
// twice and never left dangling.
type Completion[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewCompletion creates an unresolved completion slot.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolve resolves the slot with a value or error. Returns true if this call
// won the resolution, false if the slot was already resolved.
func (c *Completion[T]) Resolve(val T, err error) bool {
	won := false
	c.once.Do(func() {
		c.val = val
		c.err = err
		close(c.done)
		won = true
	})
	return won
}

// Await blocks until the slot resolves or ctx is cancelled. On cancellation
// the slot itself is resolved with the context error so a late platform
// callback finds it already settled.
func (c *Completion[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		c.Resolve(zero, ctx.Err())
		// Re-read: a platform callback may have won the race.
		<-c.done
		return c.val, c.err
	}
}

// Resolved reports whether the slot has settled.
func (c *Completion[T]) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

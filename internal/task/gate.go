package task

import "context"

// Gate is the admission gate bounding how many tasks may be processing at
// once. It is the only piece of global shared mutable state in the core; the
// channel gives the atomic counter.
type Gate struct {
	sem chan struct{}
}

// NewGate creates a gate admitting at most capacity concurrent tasks.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: make(chan struct{}, capacity)}
}

// TryAdmit attempts a non-blocking admission, for callers that want
// fail-fast behavior.
func (g *Gate) TryAdmit() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Admit blocks until a slot is free or the context is done. This is the
// default policy: a pending task queues indefinitely rather than being
// rejected.
func (g *Gate) Admit(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Callers pair it with Admit via defer so release
// happens even when the workflow fails.
func (g *Gate) Release() {
	<-g.sem
}

// InUse returns the number of slots currently held.
func (g *Gate) InUse() int { return len(g.sem) }

// Capacity returns the maximum concurrent admissions.
func (g *Gate) Capacity() int { return cap(g.sem) }

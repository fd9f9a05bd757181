package reader

import (
	"context"
	"sync"
)

// PendingGate implements the pending-attach state machine from spec.md
// §4.3: at most one reader may be in the PENDING state at a time, and every
// transition to IDLE wakes every waiter. There is exactly one PendingGate
// per Session (spec.md §9 calls out that the reference's process-wide
// globals should become fields of an explicit session value).
type PendingGate struct {
	reg *Registry

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Reader
}

// NewPendingGate creates a gate that assigns/clears ids through reg.
func NewPendingGate(reg *Registry) *PendingGate {
	g := &PendingGate{reg: reg}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// WaitIdle blocks the calling goroutine until no attach is in flight. It is
// used by the event pump's stale-event filter (spec.md §4.4 step 3) to wait
// out a handshake before re-reading a reader's id.
func (g *PendingGate) WaitIdle(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitIdleLocked(ctx)
}

func (g *PendingGate) waitIdleLocked(ctx context.Context) error {
	if ctx == nil {
		for g.pending != nil {
			g.cond.Wait()
		}
		return nil
	}
	for g.pending != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				g.mu.Lock()
				g.cond.Broadcast()
				g.mu.Unlock()
			case <-done:
			}
		}()
		g.cond.Wait()
		close(done)
	}
	return ctx.Err()
}

// Begin blocks while the gate is not IDLE, then transitions to
// PENDING(r), taking a reference-counted hold on r (spec.md §4.3 "transition
// to PENDING holds a reference-counted handle on reader"). It also registers
// r with the gate's Registry, so the reader shows up in Registry.List. It
// must be followed by exactly one of Resolve or Reject.
func (g *PendingGate) Begin(ctx context.Context, r *Reader) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.waitIdleLocked(ctx); err != nil {
		return err
	}
	g.reg.Register(r)
	g.pending = r
	r.acquirePendingRef()
	return nil
}

// Current returns the reader currently pending, or nil if IDLE.
func (g *PendingGate) Current() *Reader {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Resolve completes a successful handshake: it assigns id to the pending
// reader, clears the slot, drops the hold, and wakes every waiter.
// It is a no-op returning nil when there is no pending reader, e.g. an
// unexpected/duplicate ReaderAddResponse.
func (g *PendingGate) Resolve(id uint32) *Reader {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.pending
	if r == nil {
		return nil
	}
	g.reg.Assign(r, id)
	r.releasePendingRef()
	g.pending = nil
	g.cond.Broadcast()
	return r
}

// Reject completes a failed handshake (e.g. Error{CannotAddMoreReaders}):
// it clears the slot without assigning an id, drops the hold, and wakes
// every waiter. The reader is left with id == UndefinedReaderID.
func (g *PendingGate) Reject() *Reader {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.pending
	if r == nil {
		return nil
	}
	r.releasePendingRef()
	g.pending = nil
	g.cond.Broadcast()
	return r
}

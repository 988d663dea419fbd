// Package fence provides a completion token for GPU submissions that can be used as a
// megabuffer.Cycle.
//
// A Cycle is created per submission and signaled by whatever observes the GPU finishing
// it (a fence callback, a timeline semaphore poller). Cycles can be chained so that a
// single cycle stands for the completion of several submissions.
package fence

import (
	"context"
	"slices"
	"sync"
	"time"

	megabuffer "github.com/holmberd/go-megabuffer"
)

// pollInterval is how often Wait polls chained cycles it cannot wait on directly.
const pollInterval = 100 * time.Microsecond

// Cycle tracks the completion of one submission and of every cycle chained to it.
// Chains may form loops, e.g. when two cycles alternate on the same chunk.
// A Cycle is safe for concurrent use.
type Cycle struct {
	mu       sync.Mutex
	signaled bool
	done     chan struct{}

	// complete is set once the submission and everything reachable through deps
	// were observed signaled. deps is dropped at that point.
	complete bool
	deps     []megabuffer.Cycle
	gen      uint64 // Incremented on every Chain.
}

var _ megabuffer.Cycle = (*Cycle)(nil)

// New creates a pending cycle.
func New() *Cycle {
	return &Cycle{done: make(chan struct{})}
}

// Signaled creates a cycle whose submission already completed.
func Signaled() *Cycle {
	c := New()
	c.Signal()
	return c
}

// Signal marks the submission as complete. Calling it more than once is a no-op.
func (c *Cycle) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaled {
		return
	}
	c.signaled = true
	close(c.done)
}

// Done returns a channel that is closed when the submission itself is signaled.
// Chained cycles are not considered.
func (c *Cycle) Done() <-chan struct{} {
	return c.done
}

// Chain makes c depend on prior. Chaining nil, c itself or a cycle c already depends on
// is a no-op.
func (c *Cycle) Chain(prior megabuffer.Cycle) {
	if prior == nil || prior == megabuffer.Cycle(c) {
		return
	}
	if p, ok := prior.(*Cycle); ok && p.isComplete() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.deps, prior) {
		return
	}
	c.deps = append(c.deps, prior)
	c.complete = false
	c.gen++
}

func (c *Cycle) isComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Poll reports whether the submission was signaled and every chained cycle completed.
// Without force, chained cycles are not polled and Poll only reports completion if
// nothing is chained or an earlier forced poll observed the chain complete.
// Poll never blocks.
func (c *Cycle) Poll(force bool) bool {
	if !force {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.complete || (c.signaled && len(c.deps) == 0)
	}

	visited := make(map[*Cycle]uint64)
	if !c.poll(visited) {
		return false
	}
	// Everything reachable from c is signaled, so every visited cycle is complete.
	for v, gen := range visited {
		v.markComplete(gen)
	}
	return true
}

// poll walks the chain depth first. A cycle already on the walk only contributes its own
// signal, since its dependencies are checked by the frame that visited it first.
func (c *Cycle) poll(visited map[*Cycle]uint64) bool {
	c.mu.Lock()
	if c.complete {
		c.mu.Unlock()
		return true
	}
	if !c.signaled {
		c.mu.Unlock()
		return false
	}
	if _, ok := visited[c]; ok {
		c.mu.Unlock()
		return true
	}
	visited[c] = c.gen
	deps := append([]megabuffer.Cycle(nil), c.deps...)
	c.mu.Unlock()

	for _, d := range deps {
		if fc, ok := d.(*Cycle); ok {
			if !fc.poll(visited) {
				return false
			}
		} else if !d.Poll(true) {
			return false
		}
	}
	return true
}

// markComplete marks c complete unless it was chained to since gen was observed.
func (c *Cycle) markComplete(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.complete = true
	c.deps = nil
}

// Wait blocks until Poll(true) reports completion or ctx is done.
func (c *Cycle) Wait(ctx context.Context) error {
	for {
		if c.Poll(true) {
			return nil
		}

		if ch := c.pending(); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// Only cycles of other implementations are pending.
		t := time.NewTimer(pollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// pending returns the done channel of an unsignaled cycle reachable from c,
// or nil if there is none.
func (c *Cycle) pending() <-chan struct{} {
	visited := map[*Cycle]struct{}{c: {}}
	queue := []*Cycle{c}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		n.mu.Lock()
		signaled, complete := n.signaled, n.complete
		deps := append([]megabuffer.Cycle(nil), n.deps...)
		n.mu.Unlock()

		if complete {
			continue
		}
		if !signaled {
			return n.done
		}
		for _, d := range deps {
			fc, ok := d.(*Cycle)
			if !ok {
				continue
			}
			if _, ok := visited[fc]; !ok {
				visited[fc] = struct{}{}
				queue = append(queue, fc)
			}
		}
	}
	return nil
}

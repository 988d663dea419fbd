package testutils

import (
	"sync/atomic"

	megabuffer "github.com/holmberd/go-megabuffer"
)

// MockCycle is a megabuffer.Cycle whose completion is set by the test.
// Chained cycles are recorded but not consulted by Poll.
type MockCycle struct {
	Name string

	complete   atomic.Bool
	pollCalls  atomic.Int64
	chainCalls atomic.Int64
	chained    []megabuffer.Cycle
}

func NewMockCycle(name string) *MockCycle {
	return &MockCycle{Name: name}
}

func (c *MockCycle) Poll(force bool) bool {
	c.pollCalls.Add(1)
	return c.complete.Load()
}

func (c *MockCycle) Chain(prior megabuffer.Cycle) {
	c.chainCalls.Add(1)
	c.chained = append(c.chained, prior)
}

// Complete marks the cycle as complete.
func (c *MockCycle) Complete() {
	c.complete.Store(true)
}

func (c *MockCycle) PollCalls() int64 {
	return c.pollCalls.Load()
}

func (c *MockCycle) ChainCalls() int64 {
	return c.chainCalls.Load()
}

// Chained returns the cycles passed to Chain, in call order.
func (c *MockCycle) Chained() []megabuffer.Cycle {
	return c.chained
}

func (c *MockCycle) Reset() {
	c.complete.Store(false)
	c.pollCalls.Store(0)
	c.chainCalls.Store(0)
	c.chained = nil
}

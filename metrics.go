package megabuffer

import "sync/atomic"

// MetricsObserver receives allocator events.
// Implement this interface to integrate with a monitoring system; see package promobserver
// for a Prometheus implementation.
type MetricsObserver interface {
	// RecordPush is called after every Allocator.Push with the requested size.
	// err is nil if the push succeeded.
	RecordPush(size int, err error)

	// RecordReclaim is called when a chunk is reset and made active again.
	RecordReclaim()

	// RecordGrow is called after a new chunk is appended, with the new chunk count.
	RecordGrow(chunks int)
}

// NoopObserver is a no-op implementation of MetricsObserver.
type NoopObserver struct{}

func (NoopObserver) RecordPush(int, error) {}
func (NoopObserver) RecordReclaim()        {}
func (NoopObserver) RecordGrow(int)        {}

// BasicObserver provides simple in-memory metrics collection.
type BasicObserver struct {
	Pushes      atomic.Int64
	PushedBytes atomic.Int64
	Failures    atomic.Int64
	Reclaims    atomic.Int64
	Grows       atomic.Int64
	Chunks      atomic.Int64
}

// RecordPush implements MetricsObserver.
func (o *BasicObserver) RecordPush(size int, err error) {
	if err != nil {
		o.Failures.Add(1)
		return
	}
	o.Pushes.Add(1)
	o.PushedBytes.Add(int64(size))
}

// RecordReclaim implements MetricsObserver.
func (o *BasicObserver) RecordReclaim() {
	o.Reclaims.Add(1)
}

// RecordGrow implements MetricsObserver.
func (o *BasicObserver) RecordGrow(chunks int) {
	o.Grows.Add(1)
	o.Chunks.Store(int64(chunks))
}

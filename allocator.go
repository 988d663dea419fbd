package megabuffer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Stats represents allocator stats.
type Stats struct {
	Chunks      int    // Number of chunks in the pool.
	Pushes      uint64 // Successful pushes.
	PushedBytes uint64 // Total bytes of successful pushes.
	Failures    uint64 // Pushes rejected with an error.
	Reclaims    uint64 // Chunks reset and made active after the active chunk was full.
	Grows       uint64 // Chunks appended after the initial one.
}

// Allocator suballocates transient memory for GPU submissions out of a growing pool of chunks.
//
// The allocator exposes a lock (Lock, Unlock, TryLock, Acquire, WithLock) so callers can
// bracket a sequence of pushes that must not interleave with pushes from other goroutines.
// The lock is advisory: Push does not take it, and concurrent callers must hold it.
type Allocator struct {
	mu       sync.Mutex
	logger   *slog.Logger
	device   Device
	observer MetricsObserver

	chunkSize int
	pageSize  int
	verify    bool

	// chunks holds every chunk ever created, in creation order. Chunks are referenced by
	// pointer, so appending never invalidates active or any chunk handed out by Active.
	chunks []*Chunk
	active *Chunk
	closed bool

	pushes      atomic.Uint64
	pushedBytes atomic.Uint64
	failures    atomic.Uint64
	reclaims    atomic.Uint64
	grows       atomic.Uint64
	numChunks   atomic.Int64 // Mirrors len(chunks) for readers not holding the lock.
}

// New creates an allocator drawing chunks from device, with one chunk allocated eagerly.
// A nil logger discards all logs.
func New(device Device, logger *slog.Logger, config Config) (*Allocator, error) {
	pageSize := device.PageSize()
	if err := config.Validate(pageSize); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger
	}
	observer := config.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	a := &Allocator{
		logger:    logger,
		device:    device,
		observer:  observer,
		chunkSize: config.ChunkSize,
		pageSize:  pageSize,
		verify:    config.Verify,
	}
	c, err := a.newChunk()
	if err != nil {
		return nil, err
	}
	a.chunks = append(a.chunks, c)
	a.numChunks.Store(1)
	a.active = c
	return a, nil
}

func (a *Allocator) newChunk() (*Chunk, error) {
	return NewChunk(a.device, a.logger, a.chunkSize, a.verify)
}

// Lock acquires the allocator lock.
func (a *Allocator) Lock() {
	a.mu.Lock()
}

// Unlock releases the allocator lock.
func (a *Allocator) Unlock() {
	a.mu.Unlock()
}

// TryLock tries to acquire the allocator lock and reports whether it succeeded.
func (a *Allocator) TryLock() bool {
	return a.mu.TryLock()
}

// Guard is a held allocator lock.
type Guard struct {
	once sync.Once
	a    *Allocator
}

// Acquire locks the allocator and returns a guard that releases it.
// It is meant to be used as:
//
//	g := a.Acquire()
//	defer g.Release()
func (a *Allocator) Acquire() *Guard {
	a.mu.Lock()
	return &Guard{a: a}
}

// Release unlocks the allocator. Calling it more than once is a no-op.
func (g *Guard) Release() {
	g.once.Do(g.a.mu.Unlock)
}

// WithLock runs fn while holding the allocator lock.
// The lock is released however fn returns, including by panic.
func (a *Allocator) WithLock(fn func() error) error {
	g := a.Acquire()
	defer g.Release()
	return fn()
}

// Push copies data into transient memory read by the submission tracked by cycle.
// If pageAlign is set the allocation starts on a page boundary.
//
// A full active chunk is replaced by the first chunk whose cycle has completed, or by a
// new chunk if none has. Push returns an *AllocationSizeError, matching
// ErrAllocationTooLarge, if data cannot fit in an empty chunk.
func (a *Allocator) Push(cycle Cycle, data []byte, pageAlign bool) (Allocation, error) {
	alloc, err := a.push(cycle, data, pageAlign)
	if err != nil {
		a.failures.Add(1)
	} else {
		a.pushes.Add(1)
		a.pushedBytes.Add(uint64(len(data)))
	}
	a.observer.RecordPush(len(data), err)
	return alloc, err
}

func (a *Allocator) push(cycle Cycle, data []byte, pageAlign bool) (Allocation, error) {
	if a.closed {
		return Allocation{}, ErrClosed
	}
	if cycle == nil {
		return Allocation{}, ErrNilCycle
	}
	if len(data) > a.chunkSize-a.pageSize {
		return Allocation{}, &AllocationSizeError{Size: len(data), Capacity: a.chunkSize - a.pageSize}
	}

	if offset, ok := a.active.Push(cycle, data, pageAlign); ok {
		return Allocation{Buffer: a.active.Backing(), Offset: offset, Size: len(data)}, nil
	}

	if err := a.rotate(); err != nil {
		return Allocation{}, err
	}

	if offset, ok := a.active.Push(cycle, data, pageAlign); ok {
		return Allocation{Buffer: a.active.Backing(), Offset: offset, Size: len(data)}, nil
	}
	// Not reached while the size check above holds, since an empty chunk fits any
	// request of at most chunkSize-pageSize bytes, aligned or not.
	return Allocation{}, &AllocationSizeError{Size: len(data), Capacity: a.chunkSize - a.pageSize}
}

// rotate makes the first reclaimable chunk active, or appends a new chunk if none is.
func (a *Allocator) rotate() error {
	for i, c := range a.chunks {
		if c.TryReset() {
			a.active = c
			a.reclaims.Add(1)
			a.observer.RecordReclaim()
			a.logger.Debug("Reclaimed megabuffer chunk", "index", i, "handle", c.Backing())
			return nil
		}
	}

	c, err := a.newChunk()
	if err != nil {
		return err
	}
	a.chunks = append(a.chunks, c)
	a.numChunks.Store(int64(len(a.chunks)))
	a.active = c
	a.grows.Add(1)
	a.observer.RecordGrow(len(a.chunks))
	a.logger.Debug(
		"Grew megabuffer pool",
		"chunks", len(a.chunks),
		"bytes", len(a.chunks)*a.chunkSize,
		"handle", c.Backing(),
	)
	return nil
}

// Active returns the chunk currently receiving pushes.
func (a *Allocator) Active() *Chunk {
	return a.active
}

// Chunks returns the number of chunks in the pool.
func (a *Allocator) Chunks() int {
	return int(a.numChunks.Load())
}

// ChunkSize returns the size of every chunk backing region.
func (a *Allocator) ChunkSize() int {
	return a.chunkSize
}

// Stats returns a snapshot of the allocator stats. It is safe to call without holding
// the allocator lock.
func (a *Allocator) Stats() Stats {
	return Stats{
		Chunks:      int(a.numChunks.Load()),
		Pushes:      a.pushes.Load(),
		PushedBytes: a.pushedBytes.Load(),
		Failures:    a.failures.Load(),
		Reclaims:    a.reclaims.Load(),
		Grows:       a.grows.Load(),
	}
}

// Close releases the backing of every chunk if the device supports it.
// The caller must ensure the GPU no longer reads from any chunk. Pushes after Close fail
// with ErrClosed.
func (a *Allocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	defer a.numChunks.Store(0)

	releaser, ok := a.device.(BufferReleaser)
	if !ok {
		a.chunks = nil
		a.active = nil
		return nil
	}
	var errs []error
	for _, c := range a.chunks {
		if err := releaser.ReleaseBuffer(c.backing); err != nil {
			errs = append(errs, fmt.Errorf("cannot release chunk %d: %w", c.Backing(), err))
		}
	}
	a.chunks = nil
	a.active = nil
	return errors.Join(errs...)
}

package megabuffer_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	megabuffer "github.com/holmberd/go-megabuffer"
	"github.com/holmberd/go-megabuffer/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testUsable = testChunkSize - testPageSize

// newTestAllocator is a helper for creating an allocator with small chunks on a mock device.
func newTestAllocator(t *testing.T, config megabuffer.Config) (*megabuffer.Allocator, *testutils.MockDevice) {
	t.Helper()
	dev := &testutils.MockDevice{}
	if config.ChunkSize == 0 {
		config.ChunkSize = testChunkSize
	}
	a, err := megabuffer.New(dev, discardLogger, config)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, dev
}

func TestAllocatorNew(t *testing.T) {
	t.Run("Creates one chunk eagerly", func(t *testing.T) {
		a, dev := newTestAllocator(t, megabuffer.Config{})
		assert.Equal(t, 1, a.Chunks())
		assert.EqualValues(t, 1, dev.AllocCalls())
		require.NotNil(t, a.Active())
		assert.Equal(t, testUsable, a.Active().Free())
	})

	t.Run("Invalid config", func(t *testing.T) {
		_, err := megabuffer.New(&testutils.MockDevice{}, nil, megabuffer.Config{ChunkSize: testPageSize + 1})
		require.ErrorIs(t, err, megabuffer.ErrInvalidConfig)
	})

	t.Run("Device failure", func(t *testing.T) {
		_, err := megabuffer.New(failingDevice{}, nil, megabuffer.DefaultConfig())
		require.ErrorIs(t, err, errNoMemory)
	})
}

var errNoMemory = errors.New("out of device memory")

type failingDevice struct{}

func (failingDevice) PageSize() int { return testPageSize }

func (failingDevice) AllocateBuffer(int) (megabuffer.Buffer, error) {
	return megabuffer.Buffer{}, errNoMemory
}

func TestAllocatorScenario(t *testing.T) {
	const (
		c = megabuffer.DefaultChunkSize
		p = testPageSize
	)
	a, _ := newTestAllocator(t, megabuffer.DefaultConfig())
	tokenA := testutils.NewMockCycle("a")
	tokenB := testutils.NewMockCycle("b")

	alloc, err := a.Push(tokenA, generateBytes(100), false)
	require.NoError(t, err)
	assert.EqualValues(t, p, alloc.Offset)
	assert.Equal(t, 100, alloc.Size)
	first := alloc.Buffer

	alloc, err = a.Push(tokenA, generateBytes(200), false)
	require.NoError(t, err)
	assert.EqualValues(t, 4196, alloc.Offset)
	assert.Zero(t, tokenA.ChainCalls())

	alloc, err = a.Push(tokenB, generateBytes(50), true)
	require.NoError(t, err)
	assert.EqualValues(t, 8192, alloc.Offset)
	require.EqualValues(t, 1, tokenB.ChainCalls())
	assert.Equal(t, megabuffer.Cycle(tokenA), tokenB.Chained()[0])

	// tokenB is still pending, so the pool grows.
	alloc, err = a.Push(tokenB, generateBytes(c-p), false)
	require.NoError(t, err)
	assert.EqualValues(t, p, alloc.Offset)
	assert.NotEqual(t, first, alloc.Buffer)
	assert.Equal(t, 2, a.Chunks())

	_, err = a.Push(tokenB, generateBytes(c), false)
	require.ErrorIs(t, err, megabuffer.ErrAllocationTooLarge)
	assert.Equal(t, 2, a.Chunks())
}

func TestAllocatorReclaim(t *testing.T) {
	t.Run("Completed chunk is reused before growing", func(t *testing.T) {
		a, dev := newTestAllocator(t, megabuffer.Config{})
		cycle := testutils.NewMockCycle("a")

		first, err := a.Push(cycle, generateBytes(testUsable), false)
		require.NoError(t, err)
		cycle.Complete()

		alloc, err := a.Push(testutils.NewMockCycle("b"), generateBytes(10), false)
		require.NoError(t, err)
		assert.Equal(t, first.Buffer, alloc.Buffer)
		assert.EqualValues(t, testPageSize, alloc.Offset)
		assert.Equal(t, 1, a.Chunks())
		assert.EqualValues(t, 1, dev.AllocCalls())
		assert.EqualValues(t, 1, a.Stats().Reclaims)
	})

	t.Run("Pending chunk forces growth", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		cycle := testutils.NewMockCycle("a")

		first, err := a.Push(cycle, generateBytes(testUsable), false)
		require.NoError(t, err)

		alloc, err := a.Push(cycle, generateBytes(10), false)
		require.NoError(t, err)
		assert.NotEqual(t, first.Buffer, alloc.Buffer)
		assert.Equal(t, 2, a.Chunks())
		assert.EqualValues(t, 1, a.Stats().Grows)
		assert.Zero(t, a.Stats().Reclaims)
	})

	t.Run("First reclaimable chunk wins", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		cycles := []*testutils.MockCycle{
			testutils.NewMockCycle("a"),
			testutils.NewMockCycle("b"),
			testutils.NewMockCycle("c"),
		}
		var chunks []*megabuffer.Chunk
		for _, cycle := range cycles {
			_, err := a.Push(cycle, generateBytes(testUsable), false)
			require.NoError(t, err)
			chunks = append(chunks, a.Active())
		}
		require.Equal(t, 3, a.Chunks())

		cycles[1].Complete()
		cycles[2].Complete()
		_, err := a.Push(testutils.NewMockCycle("d"), generateBytes(10), false)
		require.NoError(t, err)
		assert.Same(t, chunks[1], a.Active())
		assert.Equal(t, 3, a.Chunks())

		// Chunk references stay valid across growth.
		for i, c := range chunks {
			assert.NotNilf(t, c.Cycle(), "chunk %d", i)
		}
	})

	t.Run("Growth failure keeps the active chunk", func(t *testing.T) {
		dev := &testutils.MockDevice{FailAfter: 1}
		a, err := megabuffer.New(dev, discardLogger, megabuffer.Config{ChunkSize: testChunkSize})
		require.NoError(t, err)
		active := a.Active()
		cycle := testutils.NewMockCycle("a")

		_, err = a.Push(cycle, generateBytes(testUsable), false)
		require.NoError(t, err)
		_, err = a.Push(cycle, generateBytes(1), false)
		require.ErrorIs(t, err, testutils.ErrMockAllocation)
		assert.Same(t, active, a.Active())
		assert.Equal(t, 1, a.Chunks())
	})
}

func TestAllocatorPushErrors(t *testing.T) {
	t.Run("Too large", func(t *testing.T) {
		a, dev := newTestAllocator(t, megabuffer.Config{})
		_, err := a.Push(testutils.NewMockCycle("a"), generateBytes(testUsable+1), false)
		require.ErrorIs(t, err, megabuffer.ErrAllocationTooLarge)

		var sizeErr *megabuffer.AllocationSizeError
		require.ErrorAs(t, err, &sizeErr)
		assert.Equal(t, testUsable+1, sizeErr.Size)
		assert.Equal(t, testUsable, sizeErr.Capacity)

		// Neither reclamation nor growth is attempted.
		assert.Equal(t, 1, a.Chunks())
		assert.EqualValues(t, 1, dev.AllocCalls())
		assert.Nil(t, a.Active().Cycle())
		assert.EqualValues(t, 1, a.Stats().Failures)
	})

	t.Run("Largest push fits a fresh chunk", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		alloc, err := a.Push(testutils.NewMockCycle("a"), generateBytes(testUsable), true)
		require.NoError(t, err)
		assert.EqualValues(t, testPageSize, alloc.Offset)
	})

	t.Run("Nil cycle", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		_, err := a.Push(nil, generateBytes(1), false)
		require.ErrorIs(t, err, megabuffer.ErrNilCycle)
	})

	t.Run("Closed", func(t *testing.T) {
		a, dev := newTestAllocator(t, megabuffer.Config{})
		cycle := testutils.NewMockCycle("a")
		_, err := a.Push(cycle, generateBytes(testUsable), false)
		require.NoError(t, err)
		_, err = a.Push(cycle, generateBytes(1), false)
		require.NoError(t, err)

		require.NoError(t, a.Close())
		assert.Zero(t, dev.LiveBuffers())
		assert.Zero(t, a.Stats().Chunks)
		assert.EqualValues(t, 2, dev.ReleaseCalls())
		require.NoError(t, a.Close())

		_, err = a.Push(cycle, generateBytes(1), false)
		require.ErrorIs(t, err, megabuffer.ErrClosed)
	})
}

// TestAllocatorOffsets checks the offset bounds of random pushes against a pool that
// both reclaims and grows.
func TestAllocatorOffsets(t *testing.T) {
	a, _ := newTestAllocator(t, megabuffer.Config{})
	randSeed := int64(42)
	r := rand.New(rand.NewSource(randSeed))
	t.Logf("Using random seed: %d\n", randSeed)

	var inFlight []*testutils.MockCycle
	for i := range 2000 {
		cycle := testutils.NewMockCycle("")
		inFlight = append(inFlight, cycle)
		if len(inFlight) > 8 {
			inFlight[0].Complete()
			inFlight = inFlight[1:]
		}

		size := r.Intn(testUsable / 4)
		pageAlign := r.Intn(2) == 0
		alloc, err := a.Push(cycle, generateBytes(size), pageAlign)
		require.NoErrorf(t, err, "push %d", i)

		require.GreaterOrEqual(t, alloc.Offset, uint64(testPageSize))
		require.LessOrEqual(t, alloc.Offset+uint64(size), uint64(testChunkSize))
		if pageAlign {
			require.Zero(t, alloc.Offset%testPageSize)
		}
	}

	s := a.Stats()
	assert.EqualValues(t, 2000, s.Pushes)
	assert.Positive(t, s.Reclaims)
	assert.EqualValues(t, s.Chunks-1, s.Grows)
}

func TestAllocatorLock(t *testing.T) {
	t.Run("Guard", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		g := a.Acquire()
		assert.False(t, a.TryLock())
		g.Release()
		g.Release() // No-op.
		require.True(t, a.TryLock())
		a.Unlock()
	})

	t.Run("WithLock releases on error", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		errBatch := errors.New("batch failed")
		err := a.WithLock(func() error {
			assert.False(t, a.TryLock())
			return errBatch
		})
		require.ErrorIs(t, err, errBatch)
		require.True(t, a.TryLock())
		a.Unlock()
	})

	t.Run("WithLock releases on panic", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		assert.Panics(t, func() {
			a.WithLock(func() error { panic("boom") })
		})
		require.True(t, a.TryLock())
		a.Unlock()
	})

	t.Run("Satisfies sync.Locker", func(t *testing.T) {
		a, _ := newTestAllocator(t, megabuffer.Config{})
		var l sync.Locker = a
		l.Lock()
		assert.False(t, a.TryLock())
		l.Unlock()
	})
}

// TestAllocatorConcurrentBatches pushes batches from several goroutines under the
// allocator lock and checks that no two allocations overlap.
func TestAllocatorConcurrentBatches(t *testing.T) {
	const (
		workers   = 8
		batches   = 50
		batchSize = 10
	)
	a, _ := newTestAllocator(t, megabuffer.Config{})

	var mu sync.Mutex
	var allocs []megabuffer.Allocation

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for range batches {
				cycle := testutils.NewMockCycle("")
				err := a.WithLock(func() error {
					var prev megabuffer.Allocation
					for i := range batchSize {
						alloc, err := a.Push(cycle, generateBytes(100+w), false)
						if err != nil {
							return err
						}
						// Pushes of a batch are contiguous unless the chunk is full.
						if i > 0 && alloc.Buffer == prev.Buffer && alloc.Offset != prev.Offset+uint64(prev.Size) {
							return errors.New("batch was interleaved")
						}
						prev = alloc
						mu.Lock()
						allocs = append(allocs, alloc)
						mu.Unlock()
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, allocs, workers*batches*batchSize)

	// No cycle ever completes, so no chunk is reused and allocations must be disjoint.
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].Buffer != allocs[j].Buffer {
			return allocs[i].Buffer < allocs[j].Buffer
		}
		return allocs[i].Offset < allocs[j].Offset
	})
	for i := 1; i < len(allocs); i++ {
		prev, cur := allocs[i-1], allocs[i]
		if prev.Buffer == cur.Buffer {
			require.LessOrEqualf(t, prev.Offset+uint64(prev.Size), cur.Offset, "overlap at %+v and %+v", prev, cur)
		}
	}
}

// TestAllocatorConcurrentStats reads stats without the lock while batches grow the pool.
func TestAllocatorConcurrentStats(t *testing.T) {
	const pushes = 200
	a, _ := newTestAllocator(t, megabuffer.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		cycle := testutils.NewMockCycle("a")
		for range pushes {
			err := a.WithLock(func() error {
				_, err := a.Push(cycle, generateBytes(testUsable/2+1), false)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		last := 0
		for ctx.Err() == nil {
			s := a.Stats()
			if s.Chunks < last {
				return fmt.Errorf("chunk count went from %d to %d", last, s.Chunks)
			}
			last = s.Chunks
		}
		return nil
	})
	require.NoError(t, g.Wait())

	// Every push after the first needs a fresh chunk since no cycle completes.
	assert.Equal(t, pushes, a.Stats().Chunks)
	assert.Equal(t, pushes, a.Chunks())
}

func TestAllocatorObserver(t *testing.T) {
	observer := &megabuffer.BasicObserver{}
	a, _ := newTestAllocator(t, megabuffer.Config{Observer: observer})
	cycle := testutils.NewMockCycle("a")

	_, err := a.Push(cycle, generateBytes(testUsable), false)
	require.NoError(t, err)
	_, err = a.Push(cycle, generateBytes(10), false) // Grows.
	require.NoError(t, err)
	cycle.Complete()
	_, err = a.Push(testutils.NewMockCycle("b"), generateBytes(testUsable), false) // Reclaims the first chunk.
	require.NoError(t, err)
	_, err = a.Push(cycle, generateBytes(testUsable+1), false)
	require.Error(t, err)

	assert.EqualValues(t, 3, observer.Pushes.Load())
	assert.EqualValues(t, 2*testUsable+10, observer.PushedBytes.Load())
	assert.EqualValues(t, 1, observer.Failures.Load())
	assert.EqualValues(t, 1, observer.Reclaims.Load())
	assert.EqualValues(t, 1, observer.Grows.Load())
	assert.EqualValues(t, 2, observer.Chunks.Load())

	s := a.Stats()
	assert.Equal(t, megabuffer.Stats{
		Chunks:      2,
		Pushes:      3,
		PushedBytes: 2*testUsable + 10,
		Failures:    1,
		Reclaims:    1,
		Grows:       1,
	}, s)
}

package megabuffer

import (
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
)

// region is a pushed range of a chunk and the digest of its contents at push time.
type region struct {
	offset int
	size   int
	digest uint64
}

// Chunk is a fixed-size backing region with a bump allocation cursor.
//
// The leading page of the backing region is never allocated from, so a valid offset is
// always at least one page and an offset of 0 never refers to pushed data.
// A Chunk is not safe for concurrent use.
type Chunk struct {
	logger   *slog.Logger
	backing  Buffer
	pageSize int

	// head is the start of the free region, which always runs to the end of backing.
	// It only moves forward until the next reset.
	head int

	// cycle is the latest, possibly chained, cycle of the submissions that read from this
	// chunk since its last reset. It is nil iff nothing was pushed since then.
	cycle Cycle

	verify  bool
	regions []region // Pushed regions since the last reset, only kept if verify is set.
}

// NewChunk allocates a backing region of size bytes from device.
// If verify is set, pushed regions are checked for modification when the chunk is reset.
func NewChunk(device Device, logger *slog.Logger, size int, verify bool) (*Chunk, error) {
	pageSize := device.PageSize()
	if size <= pageSize {
		return nil, fmt.Errorf("%w: chunk size %d must be larger than the page size %d", ErrInvalidConfig, size, pageSize)
	}
	buf, err := device.AllocateBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate chunk backing of %d bytes: %w", size, err)
	}
	if len(buf.Data) != size {
		return nil, fmt.Errorf("device returned a backing of %d bytes, expected %d", len(buf.Data), size)
	}
	if logger == nil {
		logger = discardLogger
	}
	return &Chunk{
		logger:   logger,
		backing:  buf,
		pageSize: pageSize,
		head:     pageSize,
		verify:   verify,
	}, nil
}

// Backing returns the handle of the backing buffer.
func (c *Chunk) Backing() Handle {
	return c.backing.Handle
}

// Cap returns the size of the backing region.
func (c *Chunk) Cap() int {
	return len(c.backing.Data)
}

// Free returns the number of bytes left in the free region.
func (c *Chunk) Free() int {
	return len(c.backing.Data) - c.head
}

// Cycle returns the cycle recorded for the chunk, or nil if the chunk is reusable.
func (c *Chunk) Cycle() Cycle {
	return c.cycle
}

// TryReset resets the chunk if no cycle is recorded or the recorded cycle has completed.
// It returns false only if the recorded cycle is still in flight.
func (c *Chunk) TryReset() bool {
	if c.cycle != nil && !c.cycle.Poll(true) {
		return false
	}
	if err := c.Verify(); err != nil {
		c.logger.Error(
			"Chunk data was modified before the GPU finished reading it",
			"handle", c.backing.Handle,
			"error", err,
		)
	}
	c.reset()
	return true
}

func (c *Chunk) reset() {
	c.head = c.pageSize
	c.cycle = nil
	c.regions = c.regions[:0]
}

// Push copies data into the free region and returns its absolute offset in the backing.
// If pageAlign is set the region starts on a page boundary. The ok result is false when
// data does not fit or cycle is nil, in which case nothing is copied and the chunk is left
// as it was, apart from an aligned cursor.
func (c *Chunk) Push(cycle Cycle, data []byte, pageAlign bool) (offset uint64, ok bool) {
	if cycle == nil {
		return 0, false
	}
	if pageAlign {
		c.head = min(alignUp(c.head, c.pageSize), len(c.backing.Data))
	}
	if len(data) > c.Free() {
		return 0, false
	}

	if c.cycle != cycle {
		if c.cycle != nil {
			cycle.Chain(c.cycle)
		}
		c.cycle = cycle
	}

	start := c.head
	copy(c.backing.Data[start:], data)
	c.head += len(data)

	if c.verify {
		c.regions = append(c.regions, region{
			offset: start,
			size:   len(data),
			digest: xxhash.Sum64(data),
		})
	}
	return uint64(start), true
}

// Bytes returns the size bytes of the backing at offset.
// The returned slice aliases the backing memory.
func (c *Chunk) Bytes(offset uint64, size int) ([]byte, error) {
	head := uint64(c.head)
	if size < 0 || offset < uint64(c.pageSize) || offset > head || uint64(size) > head-offset {
		return nil, fmt.Errorf("region of %d bytes at %d is out of bounds of the allocated region [%d, %d)",
			size, offset, c.pageSize, c.head)
	}
	return c.backing.Data[offset : offset+uint64(size)], nil
}

// Verify checks that no region pushed since the last reset was modified.
// It always returns nil if the chunk was created without verification.
func (c *Chunk) Verify() error {
	for _, r := range c.regions {
		if xxhash.Sum64(c.backing.Data[r.offset:r.offset+r.size]) != r.digest {
			return fmt.Errorf("%w: region [%d, %d) was modified while in flight",
				ErrChunkCorrupted, r.offset, r.offset+r.size)
		}
	}
	return nil
}

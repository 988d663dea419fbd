// Package hostmem implements a megabuffer.Device on anonymous memory mappings.
//
// Buffers live outside the Go heap, so large chunk pools do not add to the work of the
// garbage collector. It is useful as the backing of a software rasterizer or upload path,
// and for exercising the allocator without a GPU.
package hostmem

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	megabuffer "github.com/holmberd/go-megabuffer"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidSize   = errors.New("buffer size must be positive")
	ErrUnknownBuffer = errors.New("buffer was not allocated by this device")
	ErrClosed        = errors.New("device is closed")
)

type Config struct {
	// FreeThreshold is the number of released buffers of a single size the device keeps
	// mapped for reuse before it starts to unmap them. A value <= 0 unmaps on release.
	FreeThreshold int
}

func DefaultConfig() Config {
	return Config{FreeThreshold: 4} // 100MB of 25MB chunks.
}

// Stats represents device stats.
type Stats struct {
	LiveBuffers int // Buffers handed out and not released.
	LiveBytes   int
	FreeBuffers int // Released buffers kept mapped for reuse.
	FreeBytes   int
}

// Device hands out page-aligned buffers mapped with mmap.
// A Device is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	logger   *slog.Logger
	pageSize int
	next     megabuffer.Handle
	live     map[megabuffer.Handle][]byte
	free     map[int][][]byte // Released mappings by size.
	closed   bool

	freeThreshold int
}

var _ megabuffer.Device = (*Device)(nil)
var _ megabuffer.BufferReleaser = (*Device)(nil)

// New creates a device. A nil logger uses slog.Default.
func New(logger *slog.Logger, config Config) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		logger:        logger,
		pageSize:      unix.Getpagesize(),
		live:          make(map[megabuffer.Handle][]byte),
		free:          make(map[int][][]byte),
		freeThreshold: config.FreeThreshold,
	}
}

// PageSize returns the system page size.
func (d *Device) PageSize() int {
	return d.pageSize
}

// AllocateBuffer returns a zeroed buffer of exactly size bytes.
func (d *Device) AllocateBuffer(size int) (megabuffer.Buffer, error) {
	if size <= 0 {
		return megabuffer.Buffer{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return megabuffer.Buffer{}, ErrClosed
	}

	var data []byte
	if list := d.free[size]; len(list) > 0 {
		n := len(list) - 1
		data = list[n]
		d.free[size] = list[:n]
		clear(data)
	} else {
		var err error
		// Use unix.Mmap to allocate memory that is not part of the Go heap.
		data, err = unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE,
		)
		if err != nil {
			return megabuffer.Buffer{}, fmt.Errorf("cannot allocate %d bytes via mmap: %w", size, err)
		}
	}

	d.next++
	d.live[d.next] = data
	return megabuffer.Buffer{Handle: d.next, Data: data}, nil
}

// ReleaseBuffer returns a buffer to the device.
// The mapping is kept for reuse until the free threshold for its size is exceeded.
func (d *Device) ReleaseBuffer(buf megabuffer.Buffer) error {
	d.mu.Lock()
	data, ok := d.live[buf.Handle]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: handle %d", ErrUnknownBuffer, buf.Handle)
	}
	delete(d.live, buf.Handle)

	var toUnmap [][]byte
	if d.closed || d.freeThreshold <= 0 {
		toUnmap = [][]byte{data}
	} else {
		size := len(data)
		d.free[size], toUnmap = releaseBuffers(append(d.free[size], data), d.freeThreshold)
	}
	d.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	return d.unmap(toUnmap)
}

// Close unmaps every released buffer and disables further allocation.
// Buffers still held are unmapped when they are released.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	var toUnmap [][]byte
	for size, list := range d.free {
		toUnmap = append(toUnmap, list...)
		delete(d.free, size)
	}
	d.mu.Unlock()
	return d.unmap(toUnmap)
}

// Stats returns a snapshot of the device stats.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s Stats
	for _, data := range d.live {
		s.LiveBuffers++
		s.LiveBytes += len(data)
	}
	for size, list := range d.free {
		s.FreeBuffers += len(list)
		s.FreeBytes += size * len(list)
	}
	return s
}

// unmap releases the memory of mappings back to the operating system.
func (d *Device) unmap(mappings [][]byte) error {
	var errs []error
	for _, data := range mappings {
		if err := unix.Munmap(data); err != nil {
			d.logger.Error("failed to unmap buffer", "size", len(data), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// releaseBuffers trims the free list if it exceeds the given threshold.
// It returns the updated list and the mappings that were removed and should be unmapped.
func releaseBuffers(freeList [][]byte, threshold int) (newList [][]byte, toUnmap [][]byte) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free buffers to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = freeList[:freeCount:freeCount]
		newList = freeList[freeCount:]
		return newList, toUnmap
	}
	return freeList, nil
}

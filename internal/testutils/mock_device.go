package testutils

import (
	"errors"
	"sync"
	"sync/atomic"

	megabuffer "github.com/holmberd/go-megabuffer"
)

const MockPageSize = 4096

var ErrMockAllocation = errors.New("mock device: allocation failed")

// MockDevice is a megabuffer.Device backed by Go heap memory.
type MockDevice struct {
	PageSizeBytes int // Page size reported by the device. Defaults to MockPageSize.

	// FailAfter makes every allocation after the first FailAfter ones fail.
	// A value <= 0 never fails.
	FailAfter int

	mu           sync.Mutex
	next         megabuffer.Handle
	live         map[megabuffer.Handle]int
	allocCalls   atomic.Int64
	releaseCalls atomic.Int64
}

func (d *MockDevice) PageSize() int {
	if d.PageSizeBytes == 0 {
		return MockPageSize
	}
	return d.PageSizeBytes
}

func (d *MockDevice) AllocateBuffer(size int) (megabuffer.Buffer, error) {
	n := d.allocCalls.Add(1)
	if d.FailAfter > 0 && n > int64(d.FailAfter) {
		return megabuffer.Buffer{}, ErrMockAllocation
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live == nil {
		d.live = make(map[megabuffer.Handle]int)
	}
	d.next++
	d.live[d.next] = size
	return megabuffer.Buffer{Handle: d.next, Data: make([]byte, size)}, nil
}

func (d *MockDevice) ReleaseBuffer(buf megabuffer.Buffer) error {
	d.releaseCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[buf.Handle]; !ok {
		return errors.New("mock device: unknown buffer")
	}
	delete(d.live, buf.Handle)
	return nil
}

func (d *MockDevice) AllocCalls() int64 {
	return d.allocCalls.Load()
}

func (d *MockDevice) ReleaseCalls() int64 {
	return d.releaseCalls.Load()
}

// LiveBuffers returns the number of allocated buffers that were not released.
func (d *MockDevice) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

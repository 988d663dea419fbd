package megabuffer

import (
	"errors"
	"fmt"
)

var (
	ErrAllocationTooLarge = errors.New("allocation is too large for a chunk")
	ErrNilCycle           = errors.New("cycle cannot be nil")
	ErrClosed             = errors.New("allocator is closed")
	ErrChunkCorrupted     = errors.New("chunk is corrupted")
	ErrInvalidConfig      = errors.New("invalid config")
)

// AllocationSizeError is returned when a push cannot fit even in a freshly reset chunk.
// It matches ErrAllocationTooLarge with errors.Is.
type AllocationSizeError struct {
	Size     int // Requested size in bytes.
	Capacity int // Usable bytes of an empty chunk.
}

func (e *AllocationSizeError) Error() string {
	return fmt.Sprintf("failed to allocate megabuffer space for size: 0x%X (max 0x%X)", e.Size, e.Capacity)
}

func (e *AllocationSizeError) Unwrap() error { return ErrAllocationTooLarge }

// Package megabuffer implements a transient memory suballocator for GPU-visible buffers.
//
// Data that is consumed by a single GPU submission (per-draw uniforms, inline vertex data)
// is bump-allocated out of large fixed-size chunks. Every chunk remembers the completion
// token (Cycle) of the submissions that read from it, and is only reset once that token
// reports completion. When no chunk can be reclaimed the pool grows by one chunk; it never
// shrinks.
package megabuffer

const (
	KiB = 1024
	MiB = KiB * KiB

	// DefaultChunkSize is the size of a single chunk backing region.
	DefaultChunkSize = 25 * MiB
)

// Handle is an opaque identifier of a device buffer.
type Handle uint64

// Buffer is a GPU-visible, CPU-writable mapping of a device buffer.
type Buffer struct {
	Handle Handle
	Data   []byte
}

// Device is the GPU context the allocator draws its backing memory from.
type Device interface {
	PageSize() int                           // Page size in bytes, a power of two.
	AllocateBuffer(size int) (Buffer, error) // Allocates a buffer of exactly size bytes.
}

// BufferReleaser is implemented by devices that can free a buffer.
// It is only used when an Allocator is closed.
type BufferReleaser interface {
	ReleaseBuffer(buf Buffer) error
}

// Cycle is a completion token for an in-flight GPU submission.
//
// Implementations must be comparable, since the allocator uses == to detect a change of
// token, which in practice means they should be pointer types.
type Cycle interface {
	// Poll reports whether the submission and everything chained to it has completed.
	// When force is set the implementation also polls its chained dependencies rather
	// than returning cached state. Poll must not block.
	Poll(force bool) bool

	// Chain makes the receiver depend on prior, so that completion of the receiver
	// implies completion of prior.
	Chain(prior Cycle)
}

// Allocation is a region of a device buffer that holds pushed data.
// Callers bind [Offset, Offset+Size) of Buffer as a GPU-visible region.
type Allocation struct {
	Buffer Handle
	Offset uint64
	Size   int
}

// alignUp rounds n up to the next multiple of align, which must be a power of two.
func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

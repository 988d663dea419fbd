package megabuffer

import (
	"errors"
	"fmt"
)

type Config struct {
	// ChunkSize is the size in bytes of every chunk backing region. It must be a multiple
	// of the device page size and larger than one page, since the leading page of each
	// chunk is reserved.
	ChunkSize int

	// Verify records an xxhash digest of every pushed region and checks them when a chunk
	// is reclaimed, to catch writes into memory the GPU may still be reading.
	// It costs a hash per push and should only be enabled for debugging.
	Verify bool

	Observer MetricsObserver // Receives allocator metrics. Nil disables metrics.
}

// Validate checks the config against the page size of the device it will be used with.
func (c Config) Validate(pageSize int) error {
	var errs []error
	if !isPowerOfTwo(pageSize) {
		errs = append(errs, fmt.Errorf("%w: page size %d must be a power of two", ErrInvalidConfig, pageSize))
	} else {
		if c.ChunkSize <= pageSize {
			errs = append(
				errs,
				fmt.Errorf("%w: chunk size %d must be larger than the page size %d", ErrInvalidConfig, c.ChunkSize, pageSize),
			)
		}
		if c.ChunkSize%pageSize != 0 {
			errs = append(
				errs,
				fmt.Errorf("%w: chunk size %d must be a multiple of the page size %d", ErrInvalidConfig, c.ChunkSize, pageSize),
			)
		}
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		Verify:    false,
		Observer:  NoopObserver{},
	}
}

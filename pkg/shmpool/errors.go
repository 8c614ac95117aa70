package shmpool

import "errors"

var (
	// ErrInvalidFormat is returned for formats the pool does not advertise.
	ErrInvalidFormat = errors.New("shmpool: invalid format")
	// ErrInvalidStride is returned for bad buffer geometry, including
	// buffers that do not fit in the pool.
	ErrInvalidStride = errors.New("shmpool: invalid stride or size")
	// ErrInvalidSize is returned for pool sizes that are not positive or
	// exceed the configured maximum.
	ErrInvalidSize = errors.New("shmpool: invalid pool size")
	// ErrShrink is returned when a resize would make the pool smaller.
	ErrShrink = errors.New("shmpool: pools cannot shrink")
	// ErrDestroyed is returned when using a destroyed pool or buffer.
	ErrDestroyed = errors.New("shmpool: destroyed")
)

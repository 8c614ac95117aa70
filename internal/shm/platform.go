// Package shm contains the platform-specific pieces of the shared memory pool:
// reference-counted descriptors, fault-safe range mappings and memfd creation.
package shm

import (
	"errors"
	"unsafe"
)

// ErrUnsupported is returned on platforms without the mapping primitives.
var ErrUnsupported = errors.New("shm: not supported on this platform")

// MappedRange is one fault-safe view of [offset, offset+length) of a file.
//
// The whole span is backed by an anonymous zero reservation; the part the
// file really covered at map time is overlaid with a shared file mapping.
// Backed is the number of leading Data bytes that come from the file.
type MappedRange struct {
	Data     []byte
	Backed   int
	Writable bool

	base unsafe.Pointer
	size uintptr
}

// MapOptions describes the range to map.
type MapOptions struct {
	Offset   uint64
	Length   uint64
	Writable bool
}

package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrRange is matched by every *RangeError.
	ErrRange = errors.New("shm: range out of bounds")
	// ErrReleased is returned when using a released Region or Range.
	ErrReleased = errors.New("shm: already released")
	// ErrReadOnly is returned when writing through a read-only Mapping.
	ErrReadOnly = errors.New("shm: mapping is read-only")
)

// RangeError describes a rejected GetRange request.
type RangeError struct {
	Offset  uint64
	Length  uint64
	Claimed uint64
	// Overflow is set when offset+length cannot be represented.
	Overflow bool
}

func (e *RangeError) Error() string {
	if e.Overflow {
		return fmt.Sprintf("shm: range offset %d length %d overflows", e.Offset, e.Length)
	}
	return fmt.Sprintf("shm: range offset %d length %d exceeds claimed size %d", e.Offset, e.Length, e.Claimed)
}

// Is reports whether target is ErrRange.
func (e *RangeError) Is(target error) bool {
	return target == ErrRange
}

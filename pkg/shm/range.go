package shm

import (
	"errors"
	"fmt"
	"sync"

	internalshm "github.com/srediag/compositor-shm/internal/shm"
)

// Range is a validated [offset, offset+length) interval of a Region. It is
// never re-validated: if the client later shrinks the file, only the bytes
// read through its Mappings go wrong.
//
// Mappings belong to the descriptor, not to the Range: they stay usable
// after Range.Release and are unmapped once every Range and Region on the
// descriptor has been released.
type Range struct {
	handle *internalshm.Handle
	offset uint64
	length uint64

	mu       sync.Mutex
	rw       *Mapping
	ro       *Mapping
	released bool
}

func newRange(h *internalshm.Handle, offset, length uint64) *Range {
	rangesLive.Inc()
	return &Range{handle: h, offset: offset, length: length}
}

// Offset returns the start of the range within the Region.
func (r *Range) Offset() uint64 {
	return r.offset
}

// Len returns the declared length of the range.
func (r *Range) Len() uint64 {
	return r.length
}

// MapRW returns the read-write Mapping of the range, creating it on the
// first call.
func (r *Range) MapRW() (*Mapping, error) {
	return r.mapping(true)
}

// MapRO returns the read-only Mapping of the range, creating it on the
// first call.
func (r *Range) MapRO() (*Mapping, error) {
	return r.mapping(false)
}

func (r *Range) mapping(writable bool) (*Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, ErrReleased
	}
	slot := &r.ro
	if writable {
		slot = &r.rw
	}
	if *slot != nil {
		return *slot, nil
	}
	mr, err := internalshm.MapRange(r.handle.Fd(), internalshm.MapOptions{
		Offset:   r.offset,
		Length:   r.length,
		Writable: writable,
	})
	if err != nil {
		return nil, fmt.Errorf("map range at %d length %d: %w", r.offset, r.length, err)
	}
	m := newMapping(mr)
	if err := r.handle.OnRelease(m.unmap); err != nil {
		return nil, errors.Join(err, m.unmap())
	}
	*slot = m
	return m, nil
}

// AccessFault reports whether any Mapping of the range has touched memory
// past the real end of the file. The flag is sticky and survives Release.
func (r *Range) AccessFault() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.rw != nil && r.rw.AccessFault()) || (r.ro != nil && r.ro.AccessFault())
}

// Release drops the range's reference on the descriptor. No new Mapping can
// be made afterwards; existing ones stay valid until the Region and every
// other Range on the descriptor are released too. Calling Release more than
// once is a no-op.
func (r *Range) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	rangesLive.Dec()
	return r.handle.Release()
}

package shm

import (
	"math"
	"math/bits"
	"os"
	"runtime"
	"sync"

	internalshm "github.com/srediag/compositor-shm/internal/shm"
)

// Region is a client-supplied shareable memory resource and the size the
// client claims it has.
type Region struct {
	handle  *internalshm.Handle
	claimed uint64

	mu       sync.RWMutex
	released bool
}

// FromHandle wraps fd. The descriptor is duplicated, so the caller keeps
// ownership of fd. claimedSize bounds later ranges and is not checked
// against the real size of the file.
func FromHandle(fd int, claimedSize uint64) (*Region, error) {
	h, err := internalshm.NewHandle(fd)
	if err != nil {
		return nil, err
	}
	return newRegion(h, claimedSize), nil
}

// FromFile is FromHandle for an *os.File.
func FromFile(f *os.File, claimedSize uint64) (*Region, error) {
	r, err := FromHandle(int(f.Fd()), claimedSize)
	runtime.KeepAlive(f)
	return r, err
}

func newRegion(h *internalshm.Handle, claimed uint64) *Region {
	regionsLive.Inc()
	return &Region{handle: h, claimed: claimed}
}

// ClaimedSize returns the size the client claimed at construction.
func (r *Region) ClaimedSize() uint64 {
	return r.claimed
}

// GetRange validates [offset, offset+length) against the claimed size and
// returns a Range holding its own reference on the descriptor. No mapping is
// made yet.
func (r *Region) GetRange(offset, length uint64) (*Range, error) {
	end, carry := bits.Add64(offset, length, 0)
	if carry != 0 || end > math.MaxInt {
		rangeErrors.Inc()
		return nil, &RangeError{Offset: offset, Length: length, Claimed: r.claimed, Overflow: true}
	}
	if end > r.claimed {
		rangeErrors.Inc()
		return nil, &RangeError{Offset: offset, Length: length, Claimed: r.claimed}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return nil, ErrReleased
	}
	if err := r.handle.Acquire(); err != nil {
		return nil, ErrReleased
	}
	return newRange(r.handle, offset, length), nil
}

// WithClaimedSize returns a sibling Region on the same descriptor that
// claims size bytes. Ranges of r are not affected.
func (r *Region) WithClaimedSize(size uint64) (*Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return nil, ErrReleased
	}
	if err := r.handle.Acquire(); err != nil {
		return nil, ErrReleased
	}
	return newRegion(r.handle, size), nil
}

// Release drops the Region's reference on the descriptor. Ranges taken from
// it stay valid. Calling Release more than once is a no-op.
func (r *Region) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	regionsLive.Dec()
	return r.handle.Release()
}

package shm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrHandleReleased is returned when acquiring a handle whose last
// reference is already gone.
var ErrHandleReleased = errors.New("shm: handle released")

// Handle is a reference-counted, privately owned copy of a client's
// shareable memory descriptor. When the last reference is released the
// callbacks registered with OnRelease run and the descriptor is closed.
type Handle struct {
	fd   int
	refs atomic.Int64

	mu        sync.Mutex
	onRelease []func() error
}

// NewHandle duplicates fd and returns a Handle holding one reference.
// The caller keeps ownership of fd.
func NewHandle(fd int) (*Handle, error) {
	dup, err := dupFd(fd)
	if err != nil {
		return nil, err
	}
	h := &Handle{fd: dup}
	h.refs.Store(1)
	return h, nil
}

// Fd returns the owned descriptor. It is only valid while the caller holds
// a reference.
func (h *Handle) Fd() int {
	return h.fd
}

// Acquire adds a reference. It fails once the handle has been closed; a
// released handle is never resurrected.
func (h *Handle) Acquire() error {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return ErrHandleReleased
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// OnRelease registers fn to run when the last reference is released, before
// the descriptor is closed. Callbacks run in registration order. The caller
// must hold a reference.
func (h *Handle) OnRelease(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs.Load() <= 0 {
		return ErrHandleReleased
	}
	h.onRelease = append(h.onRelease, fn)
	return nil
}

// Release drops a reference. The last one runs the OnRelease callbacks and
// closes the descriptor.
func (h *Handle) Release() error {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.mu.Lock()
		fns := h.onRelease
		h.onRelease = nil
		h.mu.Unlock()
		errs := make([]error, 0, len(fns)+1)
		for _, fn := range fns {
			errs = append(errs, fn())
		}
		errs = append(errs, closeFd(h.fd))
		return errors.Join(errs...)
	case n < 0:
		h.refs.Store(0)
		return ErrHandleReleased
	}
	return nil
}

// Refs reports the current reference count.
func (h *Handle) Refs() int64 {
	return h.refs.Load()
}

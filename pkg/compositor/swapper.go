package compositor

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrSameBuffer is returned when both swapper buffers are the same identity.
var ErrSameBuffer = errors.New("compositor: swapper buffers must be distinct")

// Role is the position of a buffer in the double-buffer rotation.
type Role uint32

const (
	// RoleOnDeck is the buffer the producer renders into next.
	RoleOnDeck Role = iota
	// RoleLastPosted is the newest finished frame.
	RoleLastPosted
	// RoleDequeued is being rendered by the producer.
	RoleDequeued
	// RoleGrabbed is being scanned out by the consumer.
	RoleGrabbed
)

func (r Role) String() string {
	switch r {
	case RoleOnDeck:
		return "on-deck"
	case RoleLastPosted:
		return "last-posted"
	case RoleDequeued:
		return "dequeued"
	case RoleGrabbed:
		return "grabbed"
	}
	return fmt.Sprintf("Role(%d)", uint32(r))
}

func (r Role) producerSide() bool {
	return r == RoleOnDeck || r == RoleDequeued
}

// State layout: bits 0-1 role of buffer 0, bits 2-3 role of buffer 1, bit 4
// set while a finished frame waits on-deck for the consumer to ungrab.
const (
	roleMask   = 3
	pendingBit = 1 << 4
)

func roleOf(st uint32, i int) Role {
	return Role(st >> (2 * i) & roleMask)
}

func withRole(st uint32, i int, r Role) uint32 {
	shift := 2 * i
	return st&^(roleMask<<shift) | uint32(r)<<shift
}

// SwapState is an atomic snapshot of a DoubleSwapper.
type SwapState struct {
	Roles   [2]Role
	Pending bool
}

// DoubleSwapper hands two buffers back and forth between one producer and
// one consumer. All transitions are compare-and-swap loops on a single word;
// nothing blocks and nothing allocates.
//
// One buffer is always on the producer side (on-deck or dequeued) and the
// other on the consumer side (last-posted or grabbed). Calls naming a buffer
// that is not in the expected role are ignored.
type DoubleSwapper[B comparable] struct {
	buffers [2]B
	state   atomic.Uint32
}

// NewDoubleSwapper returns a swapper with a on-deck and b last-posted.
func NewDoubleSwapper[B comparable](a, b B) (*DoubleSwapper[B], error) {
	if a == b {
		return nil, ErrSameBuffer
	}
	s := &DoubleSwapper[B]{buffers: [2]B{a, b}}
	s.state.Store(withRole(withRole(0, 0, RoleOnDeck), 1, RoleLastPosted))
	return s, nil
}

// Buffers returns the two buffers in construction order.
func (s *DoubleSwapper[B]) Buffers() (B, B) {
	return s.buffers[0], s.buffers[1]
}

// State returns a consistent snapshot of both roles.
func (s *DoubleSwapper[B]) State() SwapState {
	st := s.state.Load()
	return SwapState{
		Roles:   [2]Role{roleOf(st, 0), roleOf(st, 1)},
		Pending: st&pendingBit != 0,
	}
}

func (s *DoubleSwapper[B]) index(b B) int {
	switch b {
	case s.buffers[0]:
		return 0
	case s.buffers[1]:
		return 1
	}
	return -1
}

func producerIndex(st uint32) int {
	if roleOf(st, 0).producerSide() {
		return 0
	}
	return 1
}

// DequeueFreeBuffer hands the on-deck buffer to the producer. Calling it
// again before QueueFinishedBuffer returns the same buffer. A frame still
// pending on-deck is dropped.
func (s *DoubleSwapper[B]) DequeueFreeBuffer() B {
	for {
		st := s.state.Load()
		i := producerIndex(st)
		if roleOf(st, i) == RoleDequeued {
			return s.buffers[i]
		}
		if s.state.CompareAndSwap(st, withRole(st, i, RoleDequeued)&^pendingBit) {
			return s.buffers[i]
		}
	}
}

// QueueFinishedBuffer posts a dequeued buffer. The previous last-posted
// buffer goes on-deck. If the consumer has it grabbed, b waits on-deck as a
// pending frame and is posted by Ungrab.
func (s *DoubleSwapper[B]) QueueFinishedBuffer(b B) {
	i := s.index(b)
	if i < 0 {
		return
	}
	o := 1 - i
	for {
		st := s.state.Load()
		if roleOf(st, i) != RoleDequeued {
			return
		}
		var next uint32
		if roleOf(st, o) == RoleGrabbed {
			next = withRole(st, i, RoleOnDeck) | pendingBit
		} else {
			next = withRole(withRole(st, i, RoleLastPosted), o, RoleOnDeck) &^ pendingBit
		}
		if s.state.CompareAndSwap(st, next) {
			return
		}
	}
}

// GrabLastPosted lends the last-posted buffer to the consumer. Calling it
// again before Ungrab returns the same buffer.
func (s *DoubleSwapper[B]) GrabLastPosted() B {
	for {
		st := s.state.Load()
		i := 1 - producerIndex(st)
		if roleOf(st, i) == RoleGrabbed {
			return s.buffers[i]
		}
		if s.state.CompareAndSwap(st, withRole(st, i, RoleGrabbed)) {
			return s.buffers[i]
		}
	}
}

// Ungrab returns a grabbed buffer. It becomes last-posted again unless a
// newer frame is pending, in which case that frame is posted and b goes
// on-deck.
func (s *DoubleSwapper[B]) Ungrab(b B) {
	i := s.index(b)
	if i < 0 {
		return
	}
	o := 1 - i
	for {
		st := s.state.Load()
		if roleOf(st, i) != RoleGrabbed {
			return
		}
		var next uint32
		if st&pendingBit != 0 && roleOf(st, o) == RoleOnDeck {
			next = withRole(withRole(st, o, RoleLastPosted), i, RoleOnDeck)
		} else {
			next = withRole(st, i, RoleLastPosted)
		}
		if s.state.CompareAndSwap(st, next&^pendingBit) {
			return
		}
	}
}

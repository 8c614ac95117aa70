package shm

import (
	"errors"
	"io"
	"sync/atomic"

	internalshm "github.com/srediag/compositor-shm/internal/shm"
)

// Mapping is a live view of a Range.
//
// Bytes in [0, backed) come from the file and are shared with every other
// mapping of it. Bytes past that point sit on a private zero reservation:
// the tracked accessors read them as zero, drop writes to them and set the
// access fault flag. A SIGBUS raised because the client truncated the file
// after the mapping was made is handled the same way.
//
// A Mapping outlives its Range and Region. Once both, and every other
// holder of the descriptor, are released the memory is unmapped and the
// accessors no longer guard anything, so a stray access faults the process.
type Mapping struct {
	mr       *internalshm.MappedRange
	data     []byte
	backed   int
	writable bool

	fault    atomic.Bool
	released atomic.Bool
}

func newMapping(mr *internalshm.MappedRange) *Mapping {
	mappingsLive.Inc()
	mappedBytes.Add(float64(len(mr.Data)))
	return &Mapping{
		mr:       mr,
		data:     mr.Data,
		backed:   mr.Backed,
		writable: mr.Writable,
	}
}

// Len returns the declared length of the mapping.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Writable reports whether the mapping was made with MapRW.
func (m *Mapping) Writable() bool {
	return m.writable
}

// AccessFault reports whether a tracked accessor has touched memory past
// the real end of the file.
func (m *Mapping) AccessFault() bool {
	return m.fault.Load()
}

// At returns the byte at index i. It panics if i is out of [0, Len()).
func (m *Mapping) At(i int) byte {
	if m.released.Load() {
		return m.data[i]
	}
	if i >= m.backed {
		_ = m.data[i]
		m.markFault()
		return 0
	}
	var b byte
	if m.guard(func() { b = m.data[i] }) {
		return 0
	}
	return b
}

// Set stores v at index i. It panics with ErrReadOnly on a read-only
// mapping and if i is out of [0, Len()).
func (m *Mapping) Set(i int, v byte) {
	if !m.writable {
		panic(ErrReadOnly)
	}
	if m.released.Load() {
		m.data[i] = v
		return
	}
	if i >= m.backed {
		_ = m.data[i]
		m.markFault()
		return
	}
	m.guard(func() { m.data[i] = v })
}

// ReadAt implements io.ReaderAt. Bytes past the real end of the file read
// as zero.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("shm: negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	var n int
	if m.released.Load() {
		n = copy(p, m.data[off:])
	} else {
		n = min(len(p), len(m.data)-int(off))
		m.tracked(int(off), n, func(lo, hi int) {
			copy(p[lo-int(off):hi-int(off)], m.data[lo:hi])
		}, func(lo, hi int) {
			clear(p[lo-int(off) : hi-int(off)])
		})
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Bytes past the real end of the file are
// dropped but count as written.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if !m.writable {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, errors.New("shm: negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	if m.released.Load() {
		n := copy(m.data[off:], p)
		return m.shortWrite(n, len(p))
	}
	n := min(len(p), len(m.data)-int(off))
	m.tracked(int(off), n, func(lo, hi int) {
		copy(m.data[lo:hi], p[lo-int(off):hi-int(off)])
	}, func(int, int) {})
	return m.shortWrite(n, len(p))
}

// Fill sets every byte of a writable mapping to v.
func (m *Mapping) Fill(v byte) error {
	if !m.writable {
		return ErrReadOnly
	}
	if m.released.Load() {
		for i := range m.data {
			m.data[i] = v
		}
		return nil
	}
	m.tracked(0, len(m.data), func(lo, hi int) {
		s := m.data[lo:hi]
		for i := range s {
			s[i] = v
		}
	}, func(int, int) {})
	return nil
}

func (m *Mapping) shortWrite(n, want int) (int, error) {
	if n < want {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// tracked applies backed to the part of [off, off+n) that comes from the
// file and excess to the rest, flagging a fault for the latter or for a
// SIGBUS while running backed. excess also runs over the backed part when it
// faulted.
func (m *Mapping) tracked(off, n int, backed, excess func(lo, hi int)) {
	end := off + n
	split := min(max(m.backed, off), end)
	if split > off && m.guard(func() { backed(off, split) }) {
		excess(off, split)
	}
	if end > split {
		m.markFault()
		excess(split, end)
	}
}

func (m *Mapping) guard(fn func()) bool {
	if internalshm.Guard(fn) {
		m.markFault()
		return true
	}
	return false
}

func (m *Mapping) markFault() {
	if m.fault.CompareAndSwap(false, true) {
		accessFaults.Inc()
	}
}

func (m *Mapping) unmap() error {
	if m.released.Swap(true) {
		return nil
	}
	mappingsLive.Dec()
	mappedBytes.Sub(float64(len(m.data)))
	return internalshm.Unmap(m.mr)
}

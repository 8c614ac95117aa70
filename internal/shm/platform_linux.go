//go:build linux

package shm

import (
	"fmt"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileSize returns the kernel-reported size of the file behind fd.
func FileSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return st.Size, nil
}

// MapRange maps opts.Length bytes of fd starting at opts.Offset.
//
// The full page-rounded span is first reserved as private anonymous memory,
// then the portion of the file that exists right now is mapped over the
// front of the reservation with MAP_FIXED. Reads past the real end of the
// file land on zero pages instead of raising SIGBUS.
func MapRange(fd int, opts MapOptions) (*MappedRange, error) {
	if opts.Length == 0 {
		return &MappedRange{Data: []byte{}, Writable: opts.Writable}, nil
	}
	page := uint64(os.Getpagesize())
	aligned := opts.Offset &^ (page - 1)
	delta := opts.Offset - aligned
	total := delta + opts.Length
	if total < opts.Length || total > math.MaxInt-page {
		return nil, fmt.Errorf("mmap: range of %d bytes at %d is too large", opts.Length, opts.Offset)
	}
	reserve := roundUp(total, page)

	prot := unix.PROT_READ
	if opts.Writable {
		prot |= unix.PROT_WRITE
	}

	base, err := unix.MmapPtr(-1, 0, nil, uintptr(reserve), prot,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap reserve: %w", err)
	}

	size, err := FileSize(fd)
	if err != nil {
		_ = unix.MunmapPtr(base, uintptr(reserve))
		return nil, err
	}

	var fileSpan uint64
	if size > 0 && uint64(size) > aligned {
		fileSpan = min(uint64(size)-aligned, total)
	}
	if fileSpan > 0 {
		// aligned < size here, so it fits in int64.
		_, err = unix.MmapPtr(fd, int64(aligned), base, uintptr(roundUp(fileSpan, page)), prot,
			unix.MAP_SHARED|unix.MAP_FIXED)
		if err != nil {
			_ = unix.MunmapPtr(base, uintptr(reserve))
			return nil, fmt.Errorf("mmap overlay: %w", err)
		}
	}

	backed := 0
	if fileSpan > delta {
		backed = int(fileSpan - delta)
	}
	return &MappedRange{
		Data:     unsafe.Slice((*byte)(unsafe.Add(base, delta)), int(opts.Length)),
		Backed:   backed,
		Writable: opts.Writable,
		base:     base,
		size:     uintptr(reserve),
	}, nil
}

// Unmap releases the whole reservation. Data keeps pointing at the old
// address, so any later access faults.
func Unmap(m *MappedRange) error {
	if m == nil || m.base == nil {
		return nil
	}
	base, size := m.base, m.size
	m.base, m.size = nil, 0
	if err := unix.MunmapPtr(base, size); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func roundUp(n, page uint64) uint64 {
	return (n + page - 1) &^ (page - 1)
}

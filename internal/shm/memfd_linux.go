//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const devShm = "/dev/shm"

// ErrNoSpace is returned when /dev/shm cannot hold the requested size.
var ErrNoSpace = errors.New("shm: share memory had not left space")

// MemfdCreate returns an anonymous descriptor of size bytes. It prefers
// memfd_create and falls back to an O_TMPFILE file in /dev/shm, then to a
// created-and-unlinked file there.
func MemfdCreate(name string, size int64) (int, error) {
	if size < 0 {
		return -1, fmt.Errorf("memfd %q: negative size %d", name, size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		fd, err = devShmFile(name, size)
		if err != nil {
			return -1, err
		}
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("memfd %q truncate to %d: %w", name, size, err)
	}
	return fd, nil
}

func devShmFile(name string, size int64) (int, error) {
	if !canCreateOnDevShm(uint64(size), devShm) {
		return -1, fmt.Errorf("%w: path %s, size %d", ErrNoSpace, devShm, size)
	}
	fd, err := unix.Open(devShm, unix.O_TMPFILE|unix.O_RDWR|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err == nil {
		return fd, nil
	}
	f, err := os.CreateTemp(devShm, strings.ReplaceAll(name, "/", "_")+"-*")
	if err != nil {
		return -1, fmt.Errorf("memfd fallback: %w", err)
	}
	defer f.Close()
	if err := os.Remove(f.Name()); err != nil {
		return -1, fmt.Errorf("memfd fallback unlink: %w", err)
	}
	return dupFd(int(f.Fd()))
}

// canCreateOnDevShm only checks paths under /dev/shm; anything else is
// assumed to have room.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

//go:build !linux

package shm

// MemfdCreate is not available off Linux.
func MemfdCreate(name string, size int64) (int, error) {
	return -1, ErrUnsupported
}

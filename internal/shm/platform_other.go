//go:build !linux

package shm

// FileSize is not available off Linux.
func FileSize(fd int) (int64, error) {
	return 0, ErrUnsupported
}

// MapRange is not available off Linux.
func MapRange(fd int, opts MapOptions) (*MappedRange, error) {
	return nil, ErrUnsupported
}

// Unmap is not available off Linux.
func Unmap(m *MappedRange) error {
	if m == nil || m.base == nil {
		return nil
	}
	return ErrUnsupported
}

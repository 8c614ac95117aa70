//go:build !unix

package shm

func dupFd(fd int) (int, error) {
	return -1, ErrUnsupported
}

func closeFd(fd int) error {
	return ErrUnsupported
}

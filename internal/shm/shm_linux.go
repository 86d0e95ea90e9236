//go:build linux

package shm

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"rialto/internal/errs"
)

// newRegion creates an anonymous, fd-backed shared region via
// memfd_create+mmap, shareable with a client process by duplicating the fd
// across the IPC transport, which lives outside this package.
func newRegion(total uint32) (fd int, base []byte, err error) {
	fd, err = unix.MemfdCreate("rialto-shm", 0)
	if err != nil {
		return -1, nil, errs.Wrap(errs.PipelineFailure, errors.Wrap(err, "memfd_create"))
	}
	if err = unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		return -1, nil, errs.Wrap(errs.PipelineFailure, errors.Wrap(err, "ftruncate"))
	}
	base, err = unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, nil, errs.Wrap(errs.PipelineFailure, errors.Wrap(err, "mmap"))
	}
	return fd, base, nil
}

func closeRegion(fd int, base []byte) error {
	if base != nil {
		if err := unix.Munmap(base); err != nil {
			return err
		}
	}
	return unix.Close(fd)
}

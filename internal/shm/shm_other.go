//go:build !linux

package shm

// newRegion falls back to a plain in-process allocation on platforms
// without memfd_create. There is no real fd to hand a client here; this
// path exists so the engine logic builds and unit-tests cleanly off Linux.
func newRegion(total uint32) (fd int, base []byte, err error) {
	return -1, make([]byte, total), nil
}

func closeRegion(fd int, base []byte) error {
	return nil
}

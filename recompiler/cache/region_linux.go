//go:build linux

package cache

import (
	"golang.org/x/sys/unix"
)

type region struct {
	mem  []byte
	exec bool
}

// allocRegion maps anonymous memory readable, writable and executable.
func allocRegion(size int) (*region, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &region{mem: mem, exec: true}, nil
}

func (r *region) free() error {
	return unix.Munmap(r.mem)
}

//go:build !linux

package cache

type region struct {
	mem  []byte
	exec bool
}

// allocRegion falls back to ordinary memory; code can be assembled and
// inspected but not executed.
func allocRegion(size int) (*region, error) {
	return &region{mem: make([]byte, size)}, nil
}

func (r *region) free() error { return nil }

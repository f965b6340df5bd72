//go:build !unix && !windows

package kalloc

import "errors"

// mapArena falls back to the Go heap where no mmap primitive is available.
func mapArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("invalid arena size")
	}
	return make([]byte, size), nil
}

func unmapArena(mem []byte) error {
	return nil
}

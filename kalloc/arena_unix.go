//go:build unix

package kalloc

import (
	"golang.org/x/sys/unix"
)

// mapArena reserves size bytes of anonymous, private, read-write memory to
// stand in for physical RAM.
func mapArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, unix.EINVAL
	}

	return unix.Mmap(
		-1, // anonymous
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

// unmapArena releases memory returned by mapArena.
func unmapArena(mem []byte) error {
	if len(mem) == 0 {
		return unix.EINVAL
	}
	return unix.Munmap(mem)
}

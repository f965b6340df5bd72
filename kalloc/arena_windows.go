package kalloc

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc = modkernel32.NewProc("VirtualAlloc")
	procVirtualFree  = modkernel32.NewProc("VirtualFree")
)

const (
	memCommit     = 0x1000
	memReserve    = 0x2000
	memRelease    = 0x8000
	pageReadWrite = 0x04
)

// mapArena commits size bytes of read-write memory to stand in for physical RAM.
func mapArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, syscall.EINVAL
	}

	addr, _, err := procVirtualAlloc.Call(0, uintptr(size), memCommit|memReserve, pageReadWrite)
	if addr == 0 {
		return nil, fmt.Errorf("VirtualAlloc failed: %v", err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// unmapArena releases memory returned by mapArena.
func unmapArena(mem []byte) error {
	if len(mem) == 0 {
		return syscall.EINVAL
	}

	// dwSize must be 0 with MEM_RELEASE.
	ret, _, err := procVirtualFree.Call(uintptr(unsafe.Pointer(&mem[0])), 0, memRelease)
	if ret == 0 {
		return fmt.Errorf("VirtualFree failed: %v", err)
	}
	return nil
}

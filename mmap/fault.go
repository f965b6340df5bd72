package mmap

import (
	"errors"
	"fmt"
	"io"

	"kcore/vm"
)

// HandlePageFault populates the page containing va from its region's file.
func (p *Process) HandlePageFault(va uint64) error {
	p.space.Lock()
	defer p.space.Unlock()
	return p.PopulateLocked(vm.PageRoundDown(va))
}

// PopulateLocked implements vm.Pager. It maps a zero-filled frame holding the
// file bytes for va's page with the region's protection. Bytes past the end
// of the file stay zero; reading fewer bytes than the file holds is an error.
//
// Preconditions: the space is locked.
func (p *Process) PopulateLocked(va uint64) error {
	va = vm.PageRoundDown(va)
	v := p.findLocked(va)
	if v == nil {
		return vm.ErrFault
	}

	alloc := p.space.Allocator()
	ref, err := alloc.Acquire(p.space.CPU())
	if err != nil {
		return fmt.Errorf("mmap fault at %#x: %w", va, err)
	}
	defer ref.Release()

	page := ref.Page()
	clear(page)

	off := int64(va - v.base)
	if size := v.file.Size(); off < size {
		want := min(int64(len(page)), size-off)
		n, err := v.file.ReadAt(page[:want], off)
		if int64(n) < want {
			return fmt.Errorf("mmap fault at %#x: read %d of %d bytes at offset %d: %w", va, n, want, off, ErrShortRead)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("mmap fault at %#x: %w", va, err)
		}
	}

	perm := vm.PTE_U
	at := v.prot.AccessType()
	if at.Read {
		perm |= vm.PTE_R
	}
	if at.Write {
		perm |= vm.PTE_W
	}
	if at.Execute {
		perm |= vm.PTE_X
	}
	p.space.MapLocked(va, ref.Keep(), perm)
	return nil
}

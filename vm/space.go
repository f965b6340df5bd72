// Package vm implements user address spaces: page tables with a
// copy-on-write marker, the write-fault handler that resolves it, the
// fork-time page-table clone, and user memory access.
package vm

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"

	"kcore/kalloc"
)

// HeapMax bounds the heap grown with Sbrk.
const HeapMax uint64 = 1 << 32

var (
	// ErrFault reports an access the process is not allowed to make. The
	// caller kills the process; the kernel carries on.
	ErrFault = errors.New("vm: bad user memory access")

	// ErrInvalid reports a bad argument from user space.
	ErrInvalid = errors.New("vm: invalid argument")
)

// Pager populates pages that are not mapped yet, such as pages of a
// file-backed region. It is called with the Space locked.
type Pager interface {
	PopulateLocked(va uint64) error
}

// Space is a process address space. Its lock serializes every change to the
// page table, including fault handling; distinct spaces fault independently.
type Space struct {
	mu    sync.Mutex
	pt    *PageTable
	alloc *kalloc.Allocator
	cpu   int
	size  uint64 // heap occupies [0, size)
	pager Pager
}

// NewSpace returns an empty address space drawing frames for cpu.
func NewSpace(alloc *kalloc.Allocator, cpu int) *Space {
	return &Space{
		pt:    NewPageTable(),
		alloc: alloc,
		cpu:   cpu,
	}
}

// Lock takes the address-space lock.
func (s *Space) Lock() { s.mu.Lock() }

// Unlock releases the address-space lock.
func (s *Space) Unlock() { s.mu.Unlock() }

// SetPager installs the handler for faults on unmapped pages.
func (s *Space) SetPager(p Pager) {
	s.mu.Lock()
	s.pager = p
	s.mu.Unlock()
}

// CPU returns the CPU whose free list this space allocates from.
func (s *Space) CPU() int { return s.cpu }

// Allocator returns the frame allocator backing this space.
func (s *Space) Allocator() *kalloc.Allocator { return s.alloc }

// Size returns the current heap size.
func (s *Space) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// SizeLocked returns the current heap size.
//
// Preconditions: s is locked.
func (s *Space) SizeLocked() uint64 { return s.size }

// PageTableLocked returns the page table.
//
// Preconditions: s is locked.
func (s *Space) PageTableLocked() *PageTable { return s.pt }

// Translate returns the entry mapping va.
func (s *Space) Translate(va uint64) (PTE, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pt.Walk(va)
}

// MapLocked installs a user page.
//
// Preconditions: s is locked.
func (s *Space) MapLocked(va uint64, pa kalloc.PA, perm PTE) {
	s.pt.Map(va, pa, perm)
}

// UnmapLocked removes npages user pages starting at va and drops one
// reference to each frame.
//
// Preconditions: s is locked.
func (s *Space) UnmapLocked(va uint64, npages int) {
	s.pt.Unmap(va, npages, func(pa kalloc.PA) {
		s.alloc.Free(s.cpu, pa)
	})
}

// Sbrk grows or shrinks the heap by n bytes and returns the old size.
// Growth maps zeroed read-write pages; if frames run out, everything mapped
// by this call is released and ErrNoMemory is returned.
func (s *Space) Sbrk(n int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.size
	switch {
	case n > 0:
		newsz := old + uint64(n)
		if newsz > HeapMax {
			return old, fmt.Errorf("sbrk %d: %w", n, kalloc.ErrNoMemory)
		}
		for va := PageRoundUp(old); va < newsz; va += PageSize {
			ref, err := s.alloc.Acquire(s.cpu)
			if err != nil {
				s.shrinkLocked(va, old)
				return old, fmt.Errorf("sbrk %d: %w", n, err)
			}
			clear(ref.Page())
			s.pt.Map(va, ref.Keep(), PTE_R|PTE_W|PTE_U)
		}
		s.size = newsz
	case n < 0:
		if uint64(-n) > old {
			return old, ErrInvalid
		}
		newsz := old - uint64(-n)
		s.shrinkLocked(PageRoundUp(old), newsz)
		s.size = newsz
	}
	return old, nil
}

// shrinkLocked unmaps heap pages from PageRoundUp(newsz) up to top.
func (s *Space) shrinkLocked(top, newsz uint64) {
	start := PageRoundUp(newsz)
	if top > start {
		s.UnmapLocked(start, int((top-start)/PageSize))
	}
}

// Fork clones the address space for a child running on cpu. Every mapped
// page not excluded by skip is shared: writable pages lose PTE_W and gain
// PTE_C in both parent and child, and each shared frame gains exactly one
// reference. Fork never allocates frames.
func (s *Space) Fork(cpu int, skip func(va uint64) bool) *Space {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ForkLocked(cpu, skip)
}

// ForkLocked is Fork for callers that already hold the lock.
//
// Preconditions: s is locked.
func (s *Space) ForkLocked(cpu int, skip func(va uint64) bool) *Space {
	child := NewSpace(s.alloc, cpu)
	child.size = s.size
	for _, va := range s.pt.Pages() {
		if skip != nil && skip(va) {
			continue
		}
		pte, _ := s.pt.Walk(va)
		if pte&PTE_V == 0 {
			continue
		}
		if pte&PTE_W != 0 {
			pte = (pte &^ PTE_W) | PTE_C
			s.pt.Set(va, pte)
		}
		child.pt.entries[va] = pte
		s.alloc.IncRef(pte.PA())
	}
	return child
}

// Free releases every frame still mapped. The space must not be used again.
func (s *Space) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, va := range s.pt.Pages() {
		s.UnmapLocked(va, 1)
	}
	s.size = 0
}

package vm

import (
	"fmt"
	"sort"

	"kcore/kalloc"
)

const (
	// PageSize is the size of a virtual page and of a physical frame.
	PageSize  = 4096
	pageShift = 12

	// MaxVA is one above the highest user virtual address (Sv39 with the
	// top bit unused to avoid sign extension).
	MaxVA uint64 = 1 << (9 + 9 + 9 + 12 - 1)
)

// PTE is a page-table entry: a physical page number plus flag bits.
type PTE uint64

const (
	PTE_V PTE = 1 << 0 // valid
	PTE_R PTE = 1 << 1
	PTE_W PTE = 1 << 2
	PTE_X PTE = 1 << 3
	PTE_U PTE = 1 << 4 // user can access
	// PTE_C marks a page shared copy-on-write. It is only ever set on
	// entries whose PTE_W has been cleared.
	PTE_C PTE = 1 << 8

	pteFlagMask PTE = 0x3FF
)

// PA2PTE places a physical address in the page-number field of an entry.
func PA2PTE(pa kalloc.PA) PTE {
	return PTE((uint64(pa) >> pageShift) << 10)
}

// PA returns the physical address the entry points at.
func (p PTE) PA() kalloc.PA {
	return kalloc.PA((uint64(p) >> 10) << pageShift)
}

// Flags returns the entry's flag bits.
func (p PTE) Flags() PTE {
	return p & pteFlagMask
}

// PageRoundDown aligns va down to a page boundary.
func PageRoundDown(va uint64) uint64 {
	return va &^ (PageSize - 1)
}

// PageRoundUp aligns va up to a page boundary.
func PageRoundUp(va uint64) uint64 {
	return (va + PageSize - 1) &^ (PageSize - 1)
}

// PageTable maps page-aligned user virtual addresses to entries. It is not
// safe for concurrent use; the owning Space's lock serializes access.
type PageTable struct {
	entries map[uint64]PTE
}

// NewPageTable returns an empty page table.
func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[uint64]PTE)}
}

// Walk returns the entry for the page containing va.
func (pt *PageTable) Walk(va uint64) (PTE, bool) {
	pte, ok := pt.entries[PageRoundDown(va)]
	return pte, ok
}

// Map installs a valid entry for va pointing at pa. Remapping is fatal.
func (pt *PageTable) Map(va uint64, pa kalloc.PA, perm PTE) {
	if va%PageSize != 0 || va >= MaxVA {
		panic(fmt.Sprintf("mappages: bad va %#x", va))
	}
	if pte, ok := pt.entries[va]; ok && pte&PTE_V != 0 {
		panic(fmt.Sprintf("mappages: remap %#x", va))
	}
	pt.entries[va] = PA2PTE(pa) | perm | PTE_V
}

// Set overwrites the existing entry for va.
func (pt *PageTable) Set(va uint64, pte PTE) {
	va = PageRoundDown(va)
	if _, ok := pt.entries[va]; !ok {
		panic(fmt.Sprintf("pte set: %#x not mapped", va))
	}
	pt.entries[va] = pte
}

// Unmap removes npages entries starting at va, calling free with the frame
// of every entry removed. Missing pages are skipped: lazily populated
// regions may never have been touched.
func (pt *PageTable) Unmap(va uint64, npages int, free func(kalloc.PA)) {
	if va%PageSize != 0 {
		panic(fmt.Sprintf("uvmunmap: not aligned %#x", va))
	}
	for a := va; a < va+uint64(npages)*PageSize; a += PageSize {
		pte, ok := pt.entries[a]
		if !ok {
			continue
		}
		delete(pt.entries, a)
		if free != nil && pte&PTE_V != 0 {
			free(pte.PA())
		}
	}
}

// Len returns the number of installed entries.
func (pt *PageTable) Len() int {
	return len(pt.entries)
}

// Pages returns the mapped virtual addresses in ascending order.
func (pt *PageTable) Pages() []uint64 {
	vas := make([]uint64, 0, len(pt.entries))
	for va := range pt.entries {
		vas = append(vas, va)
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })
	return vas
}

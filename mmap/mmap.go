// Package mmap implements lazily populated, file-backed memory mappings.
//
// Each process owns a fixed table of regions carved downwards from MmapTop.
// Mapping only reserves address space; pages are read from the file on first
// touch. Shared writable regions are written back to the file when they are
// unmapped or the process exits. The region table and the page table are both
// guarded by the process's address-space lock.
package mmap

import (
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/hostarch"

	"kcore/vm"
)

const (
	// NVMA is the number of region slots per process.
	NVMA = 16

	// MmapTop is the first address above the mapping area, below the
	// trampoline and trapframe pages.
	MmapTop = vm.MaxVA - 2*vm.PageSize
)

// Prot is the set of access rights of a region.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// AccessType returns the accesses p allows.
func (p Prot) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    p&ProtRead != 0,
		Write:   p&ProtWrite != 0,
		Execute: p&ProtExec != 0,
	}
}

// Flags selects how changes to a region are shared.
type Flags int

const (
	MapShared Flags = 1 << iota
	MapPrivate
)

var (
	ErrInvalid    = errors.New("mmap: invalid argument")
	ErrPermission = errors.New("mmap: file mode does not allow requested protection")
	ErrNoSlot     = errors.New("mmap: region table full")
	ErrNoSpace    = errors.New("mmap: address space exhausted")
	ErrNotMapped  = errors.New("mmap: address not mapped")
	ErrShortRead  = errors.New("mmap: short read from file")
	ErrShortWrite = errors.New("mmap: short write to file")
)

// File is an open file that can back a mapping.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Readable() bool
	Writable() bool
	// Dup returns the same open file with one more reference.
	Dup() File
	Close() error
}

// Group brackets a batch of file writes in one file-system transaction.
type Group interface {
	Begin()
	End()
}

// Config carries a process's file-system collaborators.
type Config struct {
	Group     Group        // Wraps every writeback chunk
	ChunkSize int          // Maximum bytes written per group
	Logger    *slog.Logger // Defaults to slog.Default()
}

// vma is one region slot; a zero length marks the slot free.
type vma struct {
	base   uint64 // address of file offset 0
	start  uint64 // first still-mapped address
	length uint64
	prot   Prot
	flags  Flags
	file   File
}

func (v *vma) contains(va uint64) bool {
	return v.length != 0 && v.start <= va && va < v.start+v.length
}

func (v *vma) reset() {
	*v = vma{}
}

// Region describes a mapped region.
type Region struct {
	Start  uint64
	Length uint64
	Prot   Prot
	Flags  Flags
}

// Process is the mapping state of one process.
type Process struct {
	space  *vm.Space
	vmas   [NVMA]vma
	next   uint64 // regions are allocated below this address
	group  Group
	chunk  int
	logger *slog.Logger
}

// NewProcess attaches a region table to space and makes it the space's pager.
func NewProcess(space *vm.Space, cfg Config) (*Process, error) {
	if cfg.Group == nil {
		return nil, fmt.Errorf("mmap needs a write group")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("writeback chunk size must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Process{
		space:  space,
		next:   MmapTop,
		group:  cfg.Group,
		chunk:  cfg.ChunkSize,
		logger: cfg.Logger,
	}
	space.SetPager(p)
	return p, nil
}

// Space returns the process address space.
func (p *Process) Space() *vm.Space { return p.space }

// Map reserves a region of length bytes backed by f. No page is populated
// until it is touched. The region keeps its own reference to f.
func (p *Process) Map(f File, length int, prot Prot, flags Flags) (uint64, error) {
	if f == nil || length <= 0 || prot&^(ProtRead|ProtWrite|ProtExec) != 0 {
		return 0, ErrInvalid
	}
	if flags != MapShared && flags != MapPrivate {
		return 0, ErrInvalid
	}
	if !f.Writable() && prot&ProtWrite != 0 && flags == MapShared {
		return 0, ErrPermission
	}
	if !f.Readable() && prot&ProtRead != 0 {
		return 0, ErrPermission
	}

	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return 0, ErrNoSpace
	}
	size := uint64(la)

	p.space.Lock()
	defer p.space.Unlock()

	slot := p.freeSlotLocked()
	if slot == nil {
		return 0, ErrNoSlot
	}

	if size > p.next || p.next-size < vm.PageRoundUp(p.space.SizeLocked()) {
		return 0, ErrNoSpace
	}
	addr := p.next - size

	*slot = vma{
		base:   addr,
		start:  addr,
		length: size,
		prot:   prot,
		flags:  flags,
		file:   f.Dup(),
	}
	p.next = addr

	p.logger.Debug("mmap: map", "addr", fmt.Sprintf("%#x", addr), "length", size, "prot", int(prot), "flags", int(flags))
	return addr, nil
}

// Unmap removes [addr, addr+length) from the region containing addr; length
// is rounded up to whole pages. The range must start or end exactly where the
// region does; punching a hole is fatal. Shared writable pages are written
// back before they are unmapped.
func (p *Process) Unmap(addr uint64, length int) error {
	if !hostarch.Addr(addr).IsPageAligned() || length <= 0 {
		return ErrInvalid
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return ErrInvalid
	}
	ar, ok := hostarch.Addr(addr).ToRange(uint64(la))
	if !ok {
		return ErrInvalid
	}
	n := uint64(ar.Length())

	p.space.Lock()
	defer p.space.Unlock()

	v := p.findLocked(addr)
	if v == nil {
		return ErrNotMapped
	}
	end := v.start + v.length
	if uint64(ar.End) > end {
		return ErrInvalid
	}
	if addr != v.start && addr+n != end {
		panic(fmt.Sprintf("munmap: punching hole at %#x in region [%#x, %#x)", addr, v.start, end))
	}

	if err := p.writebackLocked(v, addr, n); err != nil {
		return fmt.Errorf("munmap %#x: %w", addr, err)
	}
	p.space.UnmapLocked(addr, int(n/vm.PageSize))

	if addr == v.start {
		v.start += n
	}
	v.length -= n
	if v.length == 0 {
		err := v.file.Close()
		v.reset()
		if err != nil {
			return fmt.Errorf("munmap %#x: close: %w", addr, err)
		}
	}

	p.logger.Debug("mmap: unmap", "addr", fmt.Sprintf("%#x", addr), "length", n)
	return nil
}

// Regions returns the live regions in slot order.
func (p *Process) Regions() []Region {
	p.space.Lock()
	defer p.space.Unlock()

	var out []Region
	for i := range p.vmas {
		v := &p.vmas[i]
		if v.length == 0 {
			continue
		}
		out = append(out, Region{Start: v.start, Length: v.length, Prot: v.prot, Flags: v.flags})
	}
	return out
}

// Fault handles a user page fault at va.
func (p *Process) Fault(va uint64, write bool) error {
	return p.space.HandleFault(va, write)
}

// Fork copies the region table into a child on cpu. Mapped pages are not
// shared with the child; it repopulates them from the file on demand.
func (p *Process) Fork(cpu int) *Process {
	p.space.Lock()
	defer p.space.Unlock()

	child := &Process{
		next:   p.next,
		group:  p.group,
		chunk:  p.chunk,
		logger: p.logger,
	}
	regions := 0
	for i := range p.vmas {
		if p.vmas[i].length == 0 {
			continue
		}
		child.vmas[i] = p.vmas[i]
		child.vmas[i].file = p.vmas[i].file.Dup()
		regions++
	}
	child.space = p.space.ForkLocked(cpu, func(va uint64) bool {
		return p.findLocked(va) != nil
	})
	child.space.SetPager(child)

	p.logger.Debug("mmap: fork", "regions", regions)
	return child
}

// Exit writes back every shared writable region, then releases all the
// process's frames and file references. Writeback errors are reported after
// teardown completes.
func (p *Process) Exit() error {
	p.space.Lock()
	var errs []error
	for i := range p.vmas {
		v := &p.vmas[i]
		if v.length == 0 {
			continue
		}
		if err := p.writebackLocked(v, v.start, v.length); err != nil {
			errs = append(errs, fmt.Errorf("writeback %#x: %w", v.start, err))
		}
		p.space.UnmapLocked(v.start, int(v.length/vm.PageSize))
		if err := v.file.Close(); err != nil {
			errs = append(errs, err)
		}
		v.reset()
	}
	p.space.Unlock()

	p.space.Free()
	return errors.Join(errs...)
}

func (p *Process) freeSlotLocked() *vma {
	for i := range p.vmas {
		if p.vmas[i].length == 0 {
			return &p.vmas[i]
		}
	}
	return nil
}

func (p *Process) findLocked(va uint64) *vma {
	for i := range p.vmas {
		if p.vmas[i].contains(va) {
			return &p.vmas[i]
		}
	}
	return nil
}

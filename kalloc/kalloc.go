// Package kalloc is the physical frame allocator.
//
// Frames live in one contiguous arena that stands in for RAM above the kernel
// image. Free frames are partitioned into one free list per CPU so that
// concurrent allocations rarely contend; a CPU whose list is empty steals from
// the others. Every frame carries a reference count, kept in a separate table
// under its own lock, so a frame can be shared by several page tables after a
// fork and is reclaimed only when the last mapping goes away.
package kalloc

import (
	"errors"
	"fmt"
	"log/slog"

	"kcore/internal/klock"
)

// PA is a physical address.
type PA uint64

const (
	// KernBase is the physical address of the first allocatable frame.
	KernBase PA = 0x80000000

	// DefaultPageSize is the frame size used when the config leaves it unset.
	DefaultPageSize = 4096

	allocJunk byte = 0x05 // written over a frame when it is handed out
	freeJunk  byte = 0x01 // written over a frame when it is reclaimed
)

// ErrNoMemory is returned when every free list is empty.
var ErrNoMemory = errors.New("kalloc: out of physical memory")

// Config describes the physical memory to manage.
type Config struct {
	NCPU     int          // Number of per-CPU free lists
	NFrames  int          // Number of frames in the arena
	PageSize int          // Frame size in bytes, a power of two
	Logger   *slog.Logger // Defaults to slog.Default()
}

// Allocator hands out and reclaims reference-counted frames.
type Allocator struct {
	pageSize int
	nframes  int
	mem      []byte // the arena; frame i is mem[i*pageSize:(i+1)*pageSize]

	cpus []freeList

	refLock *klock.SpinLock
	refs    []int32 // reference count per frame index

	logger *slog.Logger
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	Frames    int // Total frames managed
	Free      int // Frames on some free list
	Allocated int // Frames with a non-zero reference count
}

// New maps the arena and places every frame on a free list with a zero
// reference count, spreading frames round-robin over the CPUs.
func New(cfg Config) (*Allocator, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.NCPU <= 0 || cfg.NFrames <= 0 {
		return nil, fmt.Errorf("cpu count and frame count must be positive")
	}
	if cfg.PageSize < 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", cfg.PageSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mem, err := mapArena(cfg.NFrames * cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d frames: %w", cfg.NFrames, err)
	}

	a := &Allocator{
		pageSize: cfg.PageSize,
		nframes:  cfg.NFrames,
		mem:      mem,
		cpus:     make([]freeList, cfg.NCPU),
		refLock:  klock.NewSpinLock("kmem.ref"),
		refs:     make([]int32, cfg.NFrames),
		logger:   cfg.Logger,
	}

	next := make([]int32, cfg.NFrames)
	for i := range a.cpus {
		a.cpus[i].init(fmt.Sprintf("kmem%d", i), next)
	}
	for i := cfg.NFrames - 1; i >= 0; i-- {
		fill(a.frame(i), freeJunk)
		a.cpus[i%cfg.NCPU].push(int32(i))
	}

	a.logger.Debug("kalloc: initialized", "frames", cfg.NFrames, "ncpu", cfg.NCPU, "page_size", cfg.PageSize)
	return a, nil
}

// Close unmaps the arena. No frame may be used afterwards.
func (a *Allocator) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unmapArena(a.mem)
	a.mem = nil
	return err
}

// PageSize returns the frame size in bytes.
func (a *Allocator) PageSize() int { return a.pageSize }

// Alloc returns a frame with reference count 1, taken from cpu's free list or,
// if that is empty, stolen from another CPU. The frame is filled with junk.
func (a *Allocator) Alloc(cpu int) (PA, error) {
	home := a.cpuIndex(cpu)

	idx := a.cpus[home].pop()
	for i := 1; idx < 0 && i < len(a.cpus); i++ {
		idx = a.cpus[(home+i)%len(a.cpus)].pop()
	}
	if idx < 0 {
		return 0, ErrNoMemory
	}

	a.refLock.Lock()
	if a.refs[idx] != 0 {
		n := a.refs[idx]
		a.refLock.Unlock()
		panic(fmt.Sprintf("kalloc: free frame %#x has %d references", a.addr(idx), n))
	}
	a.refs[idx] = 1
	a.refLock.Unlock()

	fill(a.frame(int(idx)), allocJunk)
	return a.addr(idx), nil
}

// Free drops one reference to pa. When the count reaches zero the frame is
// scrubbed and pushed on cpu's free list, wherever it was allocated from.
func (a *Allocator) Free(cpu int, pa PA) {
	idx := a.index(pa)
	home := a.cpuIndex(cpu)

	a.refLock.Lock()
	if a.refs[idx] <= 0 {
		a.refLock.Unlock()
		panic(fmt.Sprintf("kfree: frame %#x is not allocated", pa))
	}
	a.refs[idx]--
	last := a.refs[idx] == 0
	a.refLock.Unlock()

	if !last {
		return
	}
	fill(a.frame(int(idx)), freeJunk)
	a.cpus[home].push(idx)
}

// IncRef adds a reference to an allocated frame.
func (a *Allocator) IncRef(pa PA) {
	idx := a.index(pa)

	a.refLock.Lock()
	defer a.refLock.Unlock()
	if a.refs[idx] <= 0 {
		panic(fmt.Sprintf("incref: frame %#x is not allocated", pa))
	}
	a.refs[idx]++
}

// RefCount returns the number of references to pa.
func (a *Allocator) RefCount(pa PA) int {
	idx := a.index(pa)

	a.refLock.Lock()
	defer a.refLock.Unlock()
	return int(a.refs[idx])
}

// Page returns the bytes of the frame at pa.
func (a *Allocator) Page(pa PA) []byte {
	return a.frame(int(a.index(pa)))
}

// Contains reports whether pa is a frame address managed by a.
func (a *Allocator) Contains(pa PA) bool {
	if pa < KernBase || uint64(pa-KernBase)%uint64(a.pageSize) != 0 {
		return false
	}
	return uint64(pa-KernBase)/uint64(a.pageSize) < uint64(a.nframes)
}

// FreeCount returns the number of frames on the free lists.
func (a *Allocator) FreeCount() int {
	n := 0
	for i := range a.cpus {
		n += a.cpus[i].len()
	}
	return n
}

// Stats returns a snapshot of usage. It is not atomic across CPUs.
func (a *Allocator) Stats() Stats {
	free := a.FreeCount()

	a.refLock.Lock()
	allocated := 0
	for _, r := range a.refs {
		if r > 0 {
			allocated++
		}
	}
	a.refLock.Unlock()

	return Stats{Frames: a.nframes, Free: free, Allocated: allocated}
}

func (a *Allocator) cpuIndex(cpu int) int {
	if cpu < 0 {
		panic(fmt.Sprintf("kalloc: bad cpu %d", cpu))
	}
	return cpu % len(a.cpus)
}

func (a *Allocator) index(pa PA) int32 {
	if !a.Contains(pa) {
		panic(fmt.Sprintf("kfree: bad frame address %#x", pa))
	}
	return int32(uint64(pa-KernBase) / uint64(a.pageSize))
}

func (a *Allocator) addr(idx int32) PA {
	return KernBase + PA(idx)*PA(a.pageSize)
}

func (a *Allocator) frame(idx int) []byte {
	off := idx * a.pageSize
	return a.mem[off : off+a.pageSize : off+a.pageSize]
}

func fill(p []byte, b byte) {
	for i := range p {
		p[i] = b
	}
}

// Package kcore assembles the memory and cache core of a small kernel: one
// physical frame allocator, one buffer cache over the root disk, the
// file-system group log, and the processes that map memory and files.
package kcore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"kcore/bcache"
	"kcore/fs"
	"kcore/kalloc"
	"kcore/mmap"
	"kcore/vm"
)

// Kernel owns the subsystems shared by every process.
type Kernel struct {
	cfg    Config
	logger *slog.Logger

	alloc *kalloc.Allocator
	disk  bcache.Device
	cache *bcache.Cache
	log   *fs.Log
	vol   *fs.Volume

	mu    sync.Mutex
	procs int // live processes
}

// Stats is a snapshot of every subsystem's counters.
type Stats struct {
	Memory    kalloc.Stats
	Cache     bcache.Stats
	Groups    uint64
	Processes int
}

// New validates cfg and brings up every subsystem. A nil logger means
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	k := &Kernel{cfg: cfg, logger: logger}

	var err error
	k.alloc, err = kalloc.New(kalloc.Config{
		NCPU:     cfg.NCPU,
		NFrames:  cfg.NFrames,
		PageSize: cfg.PageSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.DiskPath != "" {
		k.disk, err = bcache.OpenFileDisk(cfg.DiskPath, RootDev, cfg.BlockSize, uint32(cfg.DiskBlocks))
		if err != nil {
			_ = k.alloc.Close()
			return nil, err
		}
	} else {
		k.disk = bcache.NewMemDisk(cfg.BlockSize)
	}

	k.cache, err = bcache.New(k.disk, bcache.Config{
		NBuf:      cfg.NBuf,
		NBucket:   cfg.NBucket,
		BlockSize: cfg.BlockSize,
		Logger:    logger,
	})
	if err == nil {
		k.log, err = fs.NewLog(cfg.LogSize, cfg.MaxOpBlocks)
	}
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	k.vol = fs.NewVolume(k.cache, RootDev, 0, uint32(cfg.DiskBlocks))

	logger.Info("kcore: up",
		"ncpu", cfg.NCPU, "frames", cfg.NFrames, "nbuf", cfg.NBuf,
		"nbucket", cfg.NBucket, "disk_blocks", cfg.DiskBlocks)
	return k, nil
}

// Close releases physical memory and the disk. Every process must have
// exited.
func (k *Kernel) Close() error {
	var errs []error
	if k.alloc != nil {
		errs = append(errs, k.alloc.Close())
	}
	if c, ok := k.disk.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NCPU returns the number of CPUs processes may run on.
func (k *Kernel) NCPU() int { return k.cfg.NCPU }

// Allocator returns the frame allocator.
func (k *Kernel) Allocator() *kalloc.Allocator { return k.alloc }

// Cache returns the buffer cache.
func (k *Kernel) Cache() *bcache.Cache { return k.cache }

// Log returns the group log.
func (k *Kernel) Log() *fs.Log { return k.log }

// NewProcess creates an empty process scheduled on cpu.
func (k *Kernel) NewProcess(cpu int) (*Process, error) {
	if cpu < 0 || cpu >= k.cfg.NCPU {
		return nil, fmt.Errorf("no cpu %d", cpu)
	}
	mp, err := mmap.NewProcess(vm.NewSpace(k.alloc, cpu), mmap.Config{
		Group:     k.log,
		ChunkSize: fs.WriteChunk(k.cfg.MaxOpBlocks, k.cfg.BlockSize),
		Logger:    k.logger,
	})
	if err != nil {
		return nil, err
	}
	return k.track(mp), nil
}

// CreateFile allocates a file of up to nblocks blocks, opened with the given
// mode.
func (k *Kernel) CreateFile(nblocks uint32, readable, writable bool) (*fs.File, error) {
	ip, err := k.vol.Create(nblocks)
	if err != nil {
		return nil, err
	}
	return fs.Open(ip, readable, writable), nil
}

// Stats returns the current counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	procs := k.procs
	k.mu.Unlock()

	return Stats{
		Memory:    k.alloc.Stats(),
		Cache:     k.cache.Stats(),
		Groups:    k.log.Groups(),
		Processes: procs,
	}
}

func (k *Kernel) track(mp *mmap.Process) *Process {
	k.mu.Lock()
	k.procs++
	k.mu.Unlock()
	return &Process{Process: mp, k: k}
}

// Process is a running process: its address space and mapped regions.
type Process struct {
	*mmap.Process
	k      *Kernel
	exited atomic.Bool
}

// Fork creates a child on cpu sharing the parent's memory copy-on-write.
func (p *Process) Fork(cpu int) (*Process, error) {
	if cpu < 0 || cpu >= p.k.cfg.NCPU {
		return nil, fmt.Errorf("no cpu %d", cpu)
	}
	child := p.k.track(p.Process.Fork(cpu))
	p.k.logger.Debug("kcore: fork", "cpu", cpu)
	return child, nil
}

// Exit writes back mapped files and releases every frame. Exiting twice is
// a no-op.
func (p *Process) Exit() error {
	if !p.exited.CompareAndSwap(false, true) {
		return nil
	}

	err := p.Process.Exit()

	p.k.mu.Lock()
	p.k.procs--
	p.k.mu.Unlock()

	if err != nil {
		p.k.logger.Error("kcore: exit", "err", err)
		return err
	}
	p.k.logger.Debug("kcore: exit")
	return nil
}

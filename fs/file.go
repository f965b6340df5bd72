package fs

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"

	"kcore/bcache"
	"kcore/mmap"
)

var (
	ErrNoSpace     = errors.New("fs: extent full")
	ErrNotReadable = errors.New("fs: file not open for reading")
	ErrNotWritable = errors.New("fs: file not open for writing")
)

// Inode is a file whose data occupies a contiguous extent of blocks.
type Inode struct {
	cache   *bcache.Cache
	dev     uint32
	start   uint32 // first block of the extent
	nblocks uint32

	mu   sync.Mutex // held across block I/O, like ilock
	size int64
}

// Capacity returns the largest size the extent can hold.
func (ip *Inode) Capacity() int64 {
	return int64(ip.nblocks) * int64(ip.cache.BlockSize())
}

// Size returns the file length.
func (ip *Inode) Size() int64 {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.size
}

// Truncate sets the file length. Growing exposes whatever the blocks hold.
func (ip *Inode) Truncate(size int64) error {
	if size < 0 || size > ip.Capacity() {
		return fmt.Errorf("truncate to %d: %w", size, ErrNoSpace)
	}
	ip.mu.Lock()
	ip.size = size
	ip.mu.Unlock()
	return nil
}

// ReadAt reads file bytes at off, stopping at the end of the file.
func (ip *Inode) ReadAt(p []byte, off int64) (int, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= ip.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), ip.size-off)
	n, err := ip.transfer(p[:want], off, false)
	if err == nil && int64(n) < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes p at off, growing the file. A write past the extent is cut
// short with ErrNoSpace. Callers bracket writes in a log group.
func (ip *Inode) WriteAt(p []byte, off int64) (int, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	want := int64(len(p))
	if limit := ip.Capacity() - off; want > limit {
		want = max(limit, 0)
	}
	n, err := ip.transfer(p[:want], off, true)
	if end := off + int64(n); n > 0 && end > ip.size {
		ip.size = end
	}
	if err == nil && n < len(p) {
		err = ErrNoSpace
	}
	return n, err
}

// transfer copies between p and the extent one block at a time.
func (ip *Inode) transfer(p []byte, off int64, write bool) (int, error) {
	bsize := int64(ip.cache.BlockSize())
	done := 0
	for done < len(p) {
		pos := off + int64(done)
		b, err := ip.cache.Read(ip.dev, ip.start+uint32(pos/bsize))
		if err != nil {
			return done, err
		}
		in := pos % bsize
		var m int
		if write {
			m = copy(b.Data()[in:], p[done:])
			ip.cache.MarkDirty(b)
		} else {
			m = copy(p[done:], b.Data()[in:])
		}
		if err := ip.cache.Release(b); err != nil {
			return done, err
		}
		done += m
	}
	return done, nil
}

// Volume hands out extents of one device in block order.
type Volume struct {
	cache *bcache.Cache
	dev   uint32

	mu    sync.Mutex
	next  uint32
	limit uint32
}

// NewVolume manages blocks [first, first+nblocks) of dev.
func NewVolume(cache *bcache.Cache, dev, first, nblocks uint32) *Volume {
	return &Volume{cache: cache, dev: dev, next: first, limit: first + nblocks}
}

// Create allocates an empty file able to hold nblocks blocks.
func (v *Volume) Create(nblocks uint32) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if nblocks == 0 || v.limit-v.next < nblocks {
		return nil, fmt.Errorf("create %d blocks: %w", nblocks, ErrNoSpace)
	}
	ip := &Inode{cache: v.cache, dev: v.dev, start: v.next, nblocks: nblocks}
	v.next += nblocks
	return ip, nil
}

// File is an open file: an inode plus access mode and a reference count.
// It implements mmap.File.
type File struct {
	ip       *Inode
	readable bool
	writable bool
	ref      atomic.Int32
}

// Open returns a file with one reference.
func Open(ip *Inode, readable, writable bool) *File {
	f := &File{ip: ip, readable: readable, writable: writable}
	f.ref.Store(1)
	return f
}

// Inode returns the underlying inode.
func (f *File) Inode() *Inode { return f.ip }

func (f *File) Readable() bool { return f.readable }
func (f *File) Writable() bool { return f.writable }
func (f *File) Size() int64    { return f.ip.Size() }

// ReadAt implements mmap.File.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if !f.readable {
		return 0, ErrNotReadable
	}
	return f.ip.ReadAt(p, off)
}

// WriteAt implements mmap.File.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if !f.writable {
		return 0, ErrNotWritable
	}
	return f.ip.WriteAt(p, off)
}

// Dup adds a reference.
func (f *File) Dup() mmap.File {
	f.ref.Add(1)
	return f
}

// Close drops a reference.
func (f *File) Close() error {
	if f.ref.Add(-1) < 0 {
		panic("fileclose")
	}
	return nil
}

// Refs returns the number of open references.
func (f *File) Refs() int {
	return int(f.ref.Load())
}

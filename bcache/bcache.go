// Package bcache caches storage blocks in a fixed set of buffers.
//
// The cache holds exactly NBuf buffers for its whole lifetime. Buffers are
// spread over NBucket shards by block number; each shard is a circular list
// guarded by a spin lock, ordered from most recently used (front) to least
// recently used (back). A buffer's payload is guarded by its own sleep lock,
// which is the only lock ever held across device I/O.
//
// Interface:
//   - Read returns a locked buffer holding the block's contents.
//   - MarkDirty or Write after changing the data.
//   - Release exactly once per Read or Get; do not touch the buffer afterwards.
//   - Pin/Unpin keep a buffer from being recycled without locking it.
package bcache

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"kcore/internal/klock"
)

// Device is the storage a cache sits in front of.
type Device interface {
	ReadBlock(dev, blockno uint32, p []byte) error
	WriteBlock(dev, blockno uint32, p []byte) error
}

// Config sizes a cache.
type Config struct {
	NBuf      int          // Number of buffers
	NBucket   int          // Number of lock shards
	BlockSize int          // Bytes per block
	Logger    *slog.Logger // Defaults to slog.Default()
}

// Buffer is the in-memory copy of one block.
type Buffer struct {
	dev     uint32
	blockno uint32
	valid   bool // data has been read from the device
	dirty   bool // data must be written before the buffer is released
	refcnt  int  // guarded by the lock of the bucket the buffer is linked in

	lock *klock.SleepLock
	data []byte
	idx  int32
}

// Dev returns the device the buffer currently caches.
func (b *Buffer) Dev() uint32 { return b.dev }

// BlockNo returns the block the buffer currently caches.
func (b *Buffer) BlockNo() uint32 { return b.blockno }

// Data returns the block contents. Only valid while the buffer is locked.
func (b *Buffer) Data() []byte { return b.data }

// Valid reports whether the contents were loaded from the device.
func (b *Buffer) Valid() bool { return b.valid }

// Stats counts cache activity since creation.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a sharded LRU buffer cache.
type Cache struct {
	device    Device
	blockSize int
	logger    *slog.Logger

	bufs  []Buffer
	links // prev/next over nbuf buffers plus one sentinel per bucket
	locks []*klock.SpinLock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates the buffers and links all of them into the first bucket.
func New(device Device, cfg Config) (*Cache, error) {
	if device == nil {
		return nil, fmt.Errorf("bcache needs a device")
	}
	if cfg.NBuf <= 0 || cfg.NBucket <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("buffer count, bucket count and block size must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		device:    device,
		blockSize: cfg.BlockSize,
		logger:    cfg.Logger,
		bufs:      make([]Buffer, cfg.NBuf),
		locks:     make([]*klock.SpinLock, cfg.NBucket),
	}
	c.links.init(cfg.NBuf, cfg.NBucket)

	for i := range c.locks {
		c.locks[i] = klock.NewSpinLock(fmt.Sprintf("bcache%d", i))
	}

	data := make([]byte, cfg.NBuf*cfg.BlockSize)
	for i := range c.bufs {
		b := &c.bufs[i]
		b.idx = int32(i)
		b.lock = klock.NewSleepLock("buffer")
		b.data = data[i*cfg.BlockSize : (i+1)*cfg.BlockSize : (i+1)*cfg.BlockSize]
		c.pushFront(0, b.idx)
	}

	c.logger.Debug("bcache: initialized", "nbuf", cfg.NBuf, "nbucket", cfg.NBucket, "block_size", cfg.BlockSize)
	return c, nil
}

// BlockSize returns the size of every buffer's payload.
func (c *Cache) BlockSize() int { return c.blockSize }

// Stats returns the hit, miss and eviction counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) hash(blockno uint32) int {
	return int(blockno % uint32(len(c.locks)))
}

// Get returns the locked buffer for (dev, blockno), recycling the least
// recently used unreferenced buffer on a miss. Its contents may not be valid.
// Running out of buffers is fatal: the cache is too small for the workload.
func (c *Cache) Get(dev, blockno uint32) *Buffer {
	h := c.hash(blockno)

	c.locks[h].Lock()
	if b := c.lookup(h, dev, blockno); b != nil {
		b.refcnt++
		c.locks[h].Unlock()
		c.hits.Add(1)
		b.lock.Lock()
		return b
	}
	c.misses.Add(1)

	// Not cached. Prefer a free buffer already in the target bucket.
	if b := c.recycle(h, h, dev, blockno); b != nil {
		c.locks[h].Unlock()
		b.lock.Lock()
		return b
	}
	c.locks[h].Unlock()

	// Probe the other buckets. Both locks are taken in index order, so the
	// target has to be searched again: another thread may have cached the
	// block while no lock was held.
	n := len(c.locks)
	for i := 1; i < n; i++ {
		j := (h + i) % n
		c.lockPair(h, j)
		if b := c.lookup(h, dev, blockno); b != nil {
			b.refcnt++
			c.unlockPair(h, j)
			b.lock.Lock()
			return b
		}
		b := c.recycle(j, h, dev, blockno)
		c.unlockPair(h, j)
		if b != nil {
			b.lock.Lock()
			return b
		}
	}

	c.logger.Error("bcache: every buffer is referenced", "dev", dev, "blockno", blockno, "nbuf", len(c.bufs))
	panic("bget: no buffers")
}

// Read returns a locked buffer with the contents of the block.
func (c *Cache) Read(dev, blockno uint32) (*Buffer, error) {
	b := c.Get(dev, blockno)
	if !b.valid {
		if err := c.device.ReadBlock(dev, blockno, b.data); err != nil {
			_ = c.Release(b)
			return nil, fmt.Errorf("read block %d on dev %d: %w", blockno, dev, err)
		}
		b.valid = true
	}
	return b, nil
}

// Write writes b's contents to the device now. b must be locked.
func (c *Cache) Write(b *Buffer) error {
	if !b.lock.Holding() {
		panic("bwrite")
	}
	b.dirty = false
	if err := c.device.WriteBlock(b.dev, b.blockno, b.data); err != nil {
		return fmt.Errorf("write block %d on dev %d: %w", b.blockno, b.dev, err)
	}
	return nil
}

// MarkDirty schedules b's contents to be written before it is released.
// b must be locked.
func (c *Cache) MarkDirty(b *Buffer) {
	if !b.lock.Holding() {
		panic("bdirty")
	}
	b.dirty = true
}

// Release flushes a dirty buffer, unlocks it and drops the caller's
// reference. An unreferenced buffer moves to the most recently used end of
// its bucket. A failed flush is reported but the buffer is still released.
func (c *Cache) Release(b *Buffer) error {
	if !b.lock.Holding() {
		panic("brelse")
	}

	var err error
	if b.dirty {
		err = c.Write(b)
	}
	b.lock.Unlock()

	h := c.hash(b.blockno)
	c.locks[h].Lock()
	b.refcnt--
	if b.refcnt < 0 {
		c.locks[h].Unlock()
		panic("brelse: negative refcnt")
	}
	if b.refcnt == 0 {
		c.unlink(b.idx)
		c.pushFront(h, b.idx)
	}
	c.locks[h].Unlock()
	return err
}

// Pin takes an extra reference so b cannot be recycled.
func (c *Cache) Pin(b *Buffer) {
	h := c.hash(b.blockno)
	c.locks[h].Lock()
	defer c.locks[h].Unlock()
	if b.refcnt <= 0 {
		panic("bpin: buffer not referenced")
	}
	b.refcnt++
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(b *Buffer) {
	h := c.hash(b.blockno)
	c.locks[h].Lock()
	defer c.locks[h].Unlock()
	if b.refcnt <= 0 {
		panic("bunpin: buffer not referenced")
	}
	b.refcnt--
}

// lookup finds a cached block in bucket h. Caller holds locks[h].
func (c *Cache) lookup(h int, dev, blockno uint32) *Buffer {
	s := c.sentinel(h)
	for i := c.next[s]; i != s; i = c.next[i] {
		b := &c.bufs[i]
		// A never-used or failed-read buffer has no identity yet. valid is
		// written only by a holder, so it is read only when there is none.
		if b.dev == dev && b.blockno == blockno && (b.refcnt > 0 || b.valid) {
			return b
		}
	}
	return nil
}

// recycle scans bucket from its least recently used end for an unreferenced
// buffer, gives it the new identity and links it at the front of bucket to.
// Caller holds the locks of both buckets.
func (c *Cache) recycle(from, to int, dev, blockno uint32) *Buffer {
	s := c.sentinel(from)
	for i := c.prev[s]; i != s; i = c.prev[i] {
		b := &c.bufs[i]
		if b.refcnt != 0 {
			continue
		}
		if b.valid {
			c.evictions.Add(1)
			c.logger.Debug("bcache: recycle", "old_dev", b.dev, "old_blockno", b.blockno, "dev", dev, "blockno", blockno)
		}
		b.dev = dev
		b.blockno = blockno
		b.valid = false
		b.dirty = false
		b.refcnt = 1
		c.unlink(i)
		c.pushFront(to, i)
		return b
	}
	return nil
}

func (c *Cache) lockPair(a, b int) {
	if a > b {
		a, b = b, a
	}
	c.locks[a].Lock()
	c.locks[b].Lock()
}

// unlockPair releases the probed bucket, then the target.
func (c *Cache) unlockPair(target, probed int) {
	c.locks[probed].Unlock()
	c.locks[target].Unlock()
}

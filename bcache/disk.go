package bcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

type blockKey struct {
	dev     uint32
	blockno uint32
}

// MemDisk is a Device kept entirely in memory. Unwritten blocks read as zeros.
type MemDisk struct {
	blockSize int

	mu     sync.Mutex
	blocks map[blockKey][]byte
	reads  int
	writes int
}

// NewMemDisk returns an empty in-memory device.
func NewMemDisk(blockSize int) *MemDisk {
	return &MemDisk{
		blockSize: blockSize,
		blocks:    make(map[blockKey][]byte),
	}
}

// ReadBlock implements Device.
func (d *MemDisk) ReadBlock(dev, blockno uint32, p []byte) error {
	if len(p) != d.blockSize {
		return fmt.Errorf("read of %d bytes, block size is %d", len(p), d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if blk, ok := d.blocks[blockKey{dev, blockno}]; ok {
		copy(p, blk)
	} else {
		clear(p)
	}
	return nil
}

// WriteBlock implements Device.
func (d *MemDisk) WriteBlock(dev, blockno uint32, p []byte) error {
	if len(p) != d.blockSize {
		return fmt.Errorf("write of %d bytes, block size is %d", len(p), d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	d.blocks[blockKey{dev, blockno}] = append([]byte(nil), p...)
	return nil
}

// Counts returns the number of device reads and writes served.
func (d *MemDisk) Counts() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

// FileDisk is a Device backed by a disk image file holding one device.
type FileDisk struct {
	f         *os.File
	dev       uint32
	blockSize int
	nblocks   uint32
}

// OpenFileDisk opens (creating if needed) an image of nblocks blocks for dev.
func OpenFileDisk(path string, dev uint32, blockSize int, nblocks uint32) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(blockSize) * int64(nblocks)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size disk image %s: %w", path, err)
	}
	return &FileDisk{f: f, dev: dev, blockSize: blockSize, nblocks: nblocks}, nil
}

func (d *FileDisk) check(dev, blockno uint32, p []byte) error {
	if dev != d.dev {
		return fmt.Errorf("no device %d", dev)
	}
	if blockno >= d.nblocks {
		return fmt.Errorf("block %d out of range", blockno)
	}
	if len(p) != d.blockSize {
		return fmt.Errorf("transfer of %d bytes, block size is %d", len(p), d.blockSize)
	}
	return nil
}

// ReadBlock implements Device.
func (d *FileDisk) ReadBlock(dev, blockno uint32, p []byte) error {
	if err := d.check(dev, blockno, p); err != nil {
		return err
	}
	_, err := d.f.ReadAt(p, int64(blockno)*int64(d.blockSize))
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// WriteBlock implements Device.
func (d *FileDisk) WriteBlock(dev, blockno uint32, p []byte) error {
	if err := d.check(dev, blockno, p); err != nil {
		return err
	}
	_, err := d.f.WriteAt(p, int64(blockno)*int64(d.blockSize))
	return err
}

// Close syncs and closes the image.
func (d *FileDisk) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

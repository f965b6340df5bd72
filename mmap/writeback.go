package mmap

import (
	"fmt"

	"kcore/vm"
)

// WritebackAll writes every shared writable region back to its file without
// unmapping anything.
func (p *Process) WritebackAll() error {
	p.space.Lock()
	defer p.space.Unlock()

	for i := range p.vmas {
		v := &p.vmas[i]
		if v.length == 0 {
			continue
		}
		if err := p.writebackLocked(v, v.start, v.length); err != nil {
			return fmt.Errorf("writeback %#x: %w", v.start, err)
		}
	}
	return nil
}

// writebackLocked writes the populated pages of [addr, addr+n) to v's file.
// Private and read-only regions are never written. The range is cut at the
// current end of the file, so a file truncated behind the mapping's back
// silently loses the tail.
//
// Preconditions: the space is locked.
func (p *Process) writebackLocked(v *vma, addr, n uint64) error {
	if v.prot&ProtWrite == 0 || v.flags&MapPrivate != 0 {
		return nil
	}
	if !v.file.Writable() {
		return ErrPermission
	}

	off := addr - v.base
	if size := uint64(v.file.Size()); off+n > size {
		cut := uint64(0)
		if off < size {
			cut = size - off
		}
		// TODO: decide whether writeback past a shrunken file should fail
		// instead of dropping the tail.
		p.logger.Warn("mmap: writeback truncated to file size",
			"addr", fmt.Sprintf("%#x", addr), "length", n, "written", cut, "file_size", size)
		n = cut
	}

	for page := addr; page < addr+n; page += vm.PageSize {
		frame, ok := p.space.PageLocked(page)
		if !ok {
			continue
		}
		cnt := min(uint64(vm.PageSize), addr+n-page)
		if err := p.writeChunks(frame[:cnt], int64(page-v.base), v.file); err != nil {
			return err
		}
	}
	return nil
}

// writeChunks writes buf at off in pieces small enough for one group each.
func (p *Process) writeChunks(buf []byte, off int64, f File) error {
	for i := 0; i < len(buf); {
		m := min(p.chunk, len(buf)-i)

		p.group.Begin()
		w, err := f.WriteAt(buf[i:i+m], off+int64(i))
		p.group.End()

		if err != nil {
			return fmt.Errorf("write %d bytes at offset %d: %w", m, off+int64(i), err)
		}
		if w != m {
			return fmt.Errorf("wrote %d of %d bytes at offset %d: %w", w, m, off+int64(i), ErrShortWrite)
		}
		i += m
	}
	return nil
}

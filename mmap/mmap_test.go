package mmap

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"gvisor.dev/gvisor/pkg/hostarch"

	"kcore/kalloc"
	"kcore/vm"
)

// memFile is an in-memory File.
type memFile struct {
	mu        sync.Mutex
	data      []byte
	readable  bool
	writable  bool
	refs      int
	shortRead bool
}

func newMemFile(data []byte, readable, writable bool) *memFile {
	return &memFile{data: data, readable: readable, writable: writable, refs: 1}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.data[off:])
	if f.shortRead && n > 0 {
		n--
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

func (f *memFile) truncate(n int) {
	f.mu.Lock()
	f.data = f.data[:n]
	f.mu.Unlock()
}

func (f *memFile) bytes(off, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data[off:off+n]...)
}

func (f *memFile) Readable() bool { return f.readable }
func (f *memFile) Writable() bool { return f.writable }

func (f *memFile) Dup() File {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return f
}

func (f *memFile) Close() error {
	f.mu.Lock()
	f.refs--
	f.mu.Unlock()
	return nil
}

func (f *memFile) refCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

// countingGroup records Begin/End pairs.
type countingGroup struct {
	mu     sync.Mutex
	open   int
	groups int
}

func (g *countingGroup) Begin() {
	g.mu.Lock()
	if g.open != 0 {
		panic("nested group")
	}
	g.open++
	g.mu.Unlock()
}

func (g *countingGroup) End() {
	g.mu.Lock()
	g.open--
	g.groups++
	g.mu.Unlock()
}

type mmapTestSuite struct {
	suite.Suite
	assert *assert.Assertions
	alloc  *kalloc.Allocator
	group  *countingGroup
	proc   *Process
}

func (s *mmapTestSuite) SetupTest() {
	s.assert = assert.New(s.T())

	var err error
	s.alloc, err = kalloc.New(kalloc.Config{NCPU: 2, NFrames: 32, PageSize: vm.PageSize})
	s.Require().Nil(err)

	s.group = &countingGroup{}
	s.proc = s.newProcess(vm.PageSize)
}

func (s *mmapTestSuite) TearDownTest() {
	s.assert.Nil(s.alloc.Close())
}

func (s *mmapTestSuite) newProcess(chunk int) *Process {
	p, err := NewProcess(vm.NewSpace(s.alloc, 0), Config{Group: s.group, ChunkSize: chunk})
	s.Require().Nil(err)
	return p
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func (s *mmapTestSuite) TestNewProcessConfig() {
	_, err := NewProcess(vm.NewSpace(s.alloc, 0), Config{ChunkSize: 1024})
	s.assert.NotNil(err)
	_, err = NewProcess(vm.NewSpace(s.alloc, 0), Config{Group: s.group})
	s.assert.NotNil(err)
}

func (s *mmapTestSuite) TestMapValidation() {
	f := newMemFile(make([]byte, vm.PageSize), true, true)

	_, err := s.proc.Map(f, 0, ProtRead, MapShared)
	s.assert.ErrorIs(err, ErrInvalid)
	_, err = s.proc.Map(f, 100, ProtRead, MapShared|MapPrivate)
	s.assert.ErrorIs(err, ErrInvalid)
	_, err = s.proc.Map(f, 100, Prot(8), MapShared)
	s.assert.ErrorIs(err, ErrInvalid)
	_, err = s.proc.Map(nil, 100, ProtRead, MapShared)
	s.assert.ErrorIs(err, ErrInvalid)

	s.assert.Empty(s.proc.Regions())
	s.assert.Equal(1, f.refCount())
}

func (s *mmapTestSuite) TestMapPermissions() {
	ro := newMemFile(make([]byte, vm.PageSize), true, false)
	_, err := s.proc.Map(ro, vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.assert.ErrorIs(err, ErrPermission)

	// Private writes never reach the file.
	_, err = s.proc.Map(ro, vm.PageSize, ProtRead|ProtWrite, MapPrivate)
	s.assert.Nil(err)

	wo := newMemFile(make([]byte, vm.PageSize), false, true)
	_, err = s.proc.Map(wo, vm.PageSize, ProtRead, MapShared)
	s.assert.ErrorIs(err, ErrPermission)
}

func (s *mmapTestSuite) TestMapIsLazy() {
	f := newMemFile(fill('q', 2*vm.PageSize), true, true)

	addr, err := s.proc.Map(f, 2*vm.PageSize-10, ProtRead, MapShared)
	s.Require().Nil(err)
	s.assert.Equal(uint64(MmapTop-2*vm.PageSize), addr)
	s.assert.Equal(2, f.refCount())
	s.assert.Equal(32, s.alloc.FreeCount())

	regions := s.proc.Regions()
	s.Require().Len(regions, 1)
	s.assert.Equal(Region{Start: addr, Length: 2 * vm.PageSize, Prot: ProtRead, Flags: MapShared}, regions[0])

	_, ok := s.proc.Space().Translate(addr)
	s.assert.False(ok)

	got, err := s.proc.Space().CopyIn(addr+vm.PageSize, 4)
	s.assert.Nil(err)
	s.assert.Equal(fill('q', 4), got)
	s.assert.Equal(31, s.alloc.FreeCount())

	pte, ok := s.proc.Space().Translate(addr + vm.PageSize)
	s.Require().True(ok)
	s.assert.Equal(vm.PTE_V|vm.PTE_U|vm.PTE_R, pte.Flags())
	_, ok = s.proc.Space().Translate(addr)
	s.assert.False(ok)
}

func (s *mmapTestSuite) TestProtAccessType() {
	at := (ProtRead | ProtExec).AccessType()
	s.assert.True(at.Read)
	s.assert.False(at.Write)
	s.assert.True(at.Execute)
	s.assert.Equal(hostarch.ReadWrite, (ProtRead | ProtWrite).AccessType())
}

func (s *mmapTestSuite) TestAddressesDescend() {
	f := newMemFile(nil, true, true)

	first, err := s.proc.Map(f, 3*vm.PageSize, ProtRead, MapShared)
	s.Require().Nil(err)
	second, err := s.proc.Map(f, 1, ProtRead, MapShared)
	s.Require().Nil(err)
	s.assert.Equal(uint64(MmapTop-3*vm.PageSize), first)
	s.assert.Equal(first-vm.PageSize, second)
}

func (s *mmapTestSuite) TestRegionTableFull() {
	f := newMemFile(nil, true, true)
	for i := 0; i < NVMA; i++ {
		_, err := s.proc.Map(f, vm.PageSize, ProtRead, MapShared)
		s.Require().Nil(err)
	}
	_, err := s.proc.Map(f, vm.PageSize, ProtRead, MapShared)
	s.assert.ErrorIs(err, ErrNoSlot)
	s.assert.Equal(NVMA+1, f.refCount())

	// A freed slot is reused.
	s.Require().Nil(s.proc.Unmap(s.proc.Regions()[0].Start, vm.PageSize))
	_, err = s.proc.Map(f, vm.PageSize, ProtRead, MapShared)
	s.assert.Nil(err)
}

func (s *mmapTestSuite) TestFileTailReadsAsZero() {
	f := newMemFile(fill('t', 100), true, true)

	addr, err := s.proc.Map(f, vm.PageSize, ProtRead, MapShared)
	s.Require().Nil(err)
	s.Require().Nil(s.proc.HandlePageFault(addr + 200))

	got, err := s.proc.Space().CopyIn(addr, vm.PageSize)
	s.Require().Nil(err)
	s.assert.Equal(fill('t', 100), got[:100])
	s.assert.Equal(make([]byte, vm.PageSize-100), got[100:])
}

func (s *mmapTestSuite) TestShortReadFailsFault() {
	f := newMemFile(fill('s', vm.PageSize), true, true)
	f.shortRead = true

	addr, err := s.proc.Map(f, vm.PageSize, ProtRead, MapShared)
	s.Require().Nil(err)

	err = s.proc.Fault(addr, false)
	s.assert.ErrorIs(err, ErrShortRead)
	_, ok := s.proc.Space().Translate(addr)
	s.assert.False(ok)
	s.assert.Equal(32, s.alloc.FreeCount(), "frame released on failure")
}

func (s *mmapTestSuite) TestFaultOutOfMemory() {
	f := newMemFile(fill('m', vm.PageSize), true, true)
	addr, err := s.proc.Map(f, vm.PageSize, ProtRead, MapShared)
	s.Require().Nil(err)

	var held []kalloc.PA
	for {
		pa, err := s.alloc.Alloc(0)
		if err != nil {
			break
		}
		held = append(held, pa)
	}

	err = s.proc.Fault(addr, false)
	s.assert.ErrorIs(err, kalloc.ErrNoMemory)

	for _, pa := range held {
		s.alloc.Free(0, pa)
	}
	s.assert.Nil(s.proc.Fault(addr, false))
}

func (s *mmapTestSuite) TestFaultDispatch() {
	f := newMemFile(fill('d', vm.PageSize), true, true)
	addr, err := s.proc.Map(f, vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)

	s.assert.Nil(s.proc.Fault(addr+10, true))
	pte, ok := s.proc.Space().Translate(addr)
	s.Require().True(ok)
	s.assert.Equal(vm.PTE_V|vm.PTE_U|vm.PTE_R|vm.PTE_W, pte.Flags())

	s.assert.ErrorIs(s.proc.Fault(addr-vm.PageSize, false), vm.ErrFault)
	s.assert.ErrorIs(s.proc.Fault(vm.MaxVA, false), vm.ErrFault)
}

// Mapping a 3-page shared region, dirtying each page and unmapping from the
// end one page at a time writes each page to its own offset and leaves the
// rest mapped and intact.
func (s *mmapTestSuite) TestUnmapFromEndWritesBack() {
	f := newMemFile(make([]byte, 3*vm.PageSize), true, true)

	addr, err := s.proc.Map(f, 3*vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)
	sp := s.proc.Space()
	for i, b := range []byte{'a', 'b', 'c'} {
		s.Require().Nil(sp.CopyOut(addr+uint64(i)*vm.PageSize, fill(b, 64)))
	}
	s.assert.Equal(29, s.alloc.FreeCount())

	s.Require().Nil(s.proc.Unmap(addr+2*vm.PageSize, vm.PageSize))
	s.assert.Equal(fill('c', 64), f.bytes(2*vm.PageSize, 64))
	s.assert.Equal(make([]byte, 64), f.bytes(0, 64), "first page not yet written")
	s.assert.Equal(30, s.alloc.FreeCount())

	got, err := sp.CopyIn(addr, 64)
	s.assert.Nil(err)
	s.assert.Equal(fill('a', 64), got)
	got, err = sp.CopyIn(addr+vm.PageSize, 64)
	s.assert.Nil(err)
	s.assert.Equal(fill('b', 64), got)

	s.Require().Nil(s.proc.Unmap(addr+vm.PageSize, vm.PageSize))
	s.assert.Equal(fill('b', 64), f.bytes(vm.PageSize, 64))
	s.assert.Equal([]Region{{Start: addr, Length: vm.PageSize, Prot: ProtRead | ProtWrite, Flags: MapShared}}, s.proc.Regions())

	s.Require().Nil(s.proc.Unmap(addr, vm.PageSize))
	s.assert.Equal(fill('a', 64), f.bytes(0, 64))
	s.assert.Empty(s.proc.Regions())
	s.assert.Equal(1, f.refCount())
	s.assert.Equal(32, s.alloc.FreeCount())
	s.assert.Equal(0, s.group.open)
}

func (s *mmapTestSuite) TestUnmapFromStart() {
	f := newMemFile(append(fill('x', vm.PageSize), fill('y', vm.PageSize)...), true, true)

	addr, err := s.proc.Map(f, 2*vm.PageSize, ProtRead, MapShared)
	s.Require().Nil(err)
	// The length is rounded up to a whole page.
	s.Require().Nil(s.proc.Unmap(addr, 10))

	s.assert.ErrorIs(s.proc.Fault(addr, false), vm.ErrFault)

	// The remaining page still maps its own file offset.
	got, err := s.proc.Space().CopyIn(addr+vm.PageSize, 8)
	s.assert.Nil(err)
	s.assert.Equal(fill('y', 8), got)
	s.assert.Equal(0, s.group.groups, "read-only regions are never written back")
}

func (s *mmapTestSuite) TestUnmapErrors() {
	f := newMemFile(make([]byte, 3*vm.PageSize), true, true)
	addr, err := s.proc.Map(f, 3*vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)

	s.assert.ErrorIs(s.proc.Unmap(addr+1, vm.PageSize), ErrInvalid)
	s.assert.ErrorIs(s.proc.Unmap(addr, 0), ErrInvalid)
	s.assert.ErrorIs(s.proc.Unmap(addr, -vm.PageSize), ErrInvalid)
	s.assert.ErrorIs(s.proc.Unmap(addr-vm.PageSize, vm.PageSize), ErrNotMapped)
	s.assert.ErrorIs(s.proc.Unmap(addr+vm.PageSize, 3*vm.PageSize), ErrInvalid)

	s.assert.Panics(func() { _ = s.proc.Unmap(addr+vm.PageSize, vm.PageSize) })
}

func (s *mmapTestSuite) TestPrivateRegionNotWrittenBack() {
	f := newMemFile(fill('o', vm.PageSize), true, true)

	addr, err := s.proc.Map(f, vm.PageSize, ProtRead|ProtWrite, MapPrivate)
	s.Require().Nil(err)
	s.Require().Nil(s.proc.Space().CopyOut(addr, fill('n', 16)))
	s.Require().Nil(s.proc.Unmap(addr, vm.PageSize))

	s.assert.Equal(fill('o', 16), f.bytes(0, 16))
	s.assert.Equal(0, s.group.groups)
}

func (s *mmapTestSuite) TestWritebackChunks() {
	proc := s.newProcess(1024)
	f := newMemFile(make([]byte, 2*vm.PageSize), true, true)

	addr, err := proc.Map(f, 2*vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)
	s.Require().Nil(proc.Space().CopyOut(addr+vm.PageSize, fill('k', vm.PageSize)))

	s.Require().Nil(proc.WritebackAll())
	s.assert.Equal(vm.PageSize/1024, s.group.groups, "only the populated page is written")
	s.assert.Equal(fill('k', vm.PageSize), f.bytes(vm.PageSize, vm.PageSize))
	s.assert.Len(proc.Regions(), 1, "writeback keeps the mapping")
}

func (s *mmapTestSuite) TestWritebackTruncatedToFileSize() {
	f := newMemFile(make([]byte, 2*vm.PageSize), true, true)

	addr, err := s.proc.Map(f, 2*vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)
	s.Require().Nil(s.proc.Space().CopyOut(addr, fill('z', 2*vm.PageSize)))

	f.truncate(vm.PageSize + 10)
	s.Require().Nil(s.proc.Unmap(addr, 2*vm.PageSize))
	s.assert.Equal(int64(vm.PageSize+10), f.Size())
	s.assert.Equal(fill('z', vm.PageSize+10), f.bytes(0, vm.PageSize+10))
}

func (s *mmapTestSuite) TestForkRepopulatesFromFile() {
	f := newMemFile(fill('f', vm.PageSize), true, true)

	_, err := s.proc.Space().Sbrk(vm.PageSize)
	s.Require().Nil(err)
	addr, err := s.proc.Map(f, vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)
	s.Require().Nil(s.proc.Space().CopyOut(addr, fill('p', 8)))
	s.Require().Nil(s.proc.WritebackAll())

	child := s.proc.Fork(1)
	s.assert.Equal(3, f.refCount())
	s.assert.Equal(s.proc.Regions(), child.Regions())

	_, ok := child.Space().Translate(addr)
	s.assert.False(ok, "mapped pages are not shared")
	heap, ok := child.Space().Translate(0)
	s.Require().True(ok)
	s.assert.Equal(2, s.alloc.RefCount(heap.PA()))

	got, err := child.Space().CopyIn(addr, 8)
	s.assert.Nil(err)
	s.assert.Equal(fill('p', 8), got)

	s.assert.Nil(child.Exit())
	s.assert.Equal(2, f.refCount())
	s.assert.Equal(1, s.alloc.RefCount(heap.PA()))
}

func (s *mmapTestSuite) TestExitWritesBackAndReleases() {
	f := newMemFile(make([]byte, 2*vm.PageSize), true, true)
	g := newMemFile(fill('r', vm.PageSize), true, false)

	_, err := s.proc.Space().Sbrk(2 * vm.PageSize)
	s.Require().Nil(err)
	a, err := s.proc.Map(f, 2*vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)
	b, err := s.proc.Map(g, vm.PageSize, ProtRead, MapShared)
	s.Require().Nil(err)
	s.Require().Nil(s.proc.Space().CopyOut(a, fill('e', 32)))
	_, err = s.proc.Space().CopyIn(b, 1)
	s.Require().Nil(err)

	s.assert.Nil(s.proc.Exit())
	s.assert.Equal(fill('e', 32), f.bytes(0, 32))
	s.assert.Equal(1, f.refCount())
	s.assert.Equal(1, g.refCount())
	s.assert.Equal(32, s.alloc.FreeCount())
	s.assert.Empty(s.proc.Regions())
}

// failingFile rejects every write.
type failingFile struct {
	*memFile
}

func (f failingFile) WriteAt([]byte, int64) (int, error) {
	return 0, errors.New("disk on fire")
}

func (f failingFile) Dup() File {
	f.memFile.Dup()
	return f
}

func (s *mmapTestSuite) TestExitReportsWritebackErrors() {
	f := failingFile{newMemFile(make([]byte, vm.PageSize), true, true)}

	addr, err := s.proc.Map(f, vm.PageSize, ProtRead|ProtWrite, MapShared)
	s.Require().Nil(err)
	s.Require().Nil(s.proc.Space().CopyOut(addr, fill('w', 4)))

	s.assert.NotNil(s.proc.Exit())
	s.assert.Equal(1, f.refCount())
	s.assert.Equal(32, s.alloc.FreeCount(), "teardown completes despite the error")
	s.assert.Equal(0, s.group.open)
}

func TestMmapSuite(t *testing.T) {
	suite.Run(t, new(mmapTestSuite))
}

package kalloc

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type kallocTestSuite struct {
	suite.Suite
	assert *assert.Assertions
	alloc  *Allocator
}

func (s *kallocTestSuite) SetupTest() {
	s.assert = assert.New(s.T())
}

func (s *kallocTestSuite) TearDownTest() {
	if s.alloc != nil {
		s.assert.Nil(s.alloc.Close())
	}
	s.alloc = nil
}

func (s *kallocTestSuite) newAllocator(ncpu, nframes int) {
	var err error
	s.alloc, err = New(Config{NCPU: ncpu, NFrames: nframes})
	s.Require().Nil(err)
	s.Require().NotNil(s.alloc)
}

// listContains walks l looking for idx.
func listContains(l *freeList, idx int32) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i := l.head; i >= 0; i = l.next[i] {
		if i == idx {
			return true
		}
	}
	return false
}

// onFreeList reports whether pa sits on any CPU's list.
func (s *kallocTestSuite) onFreeList(pa PA) int {
	idx := s.alloc.index(pa)
	n := 0
	for i := range s.alloc.cpus {
		if listContains(&s.alloc.cpus[i], idx) {
			n++
		}
	}
	return n
}

func (s *kallocTestSuite) TestInvalidConfig() {
	_, err := New(Config{NCPU: 0, NFrames: 10})
	s.assert.NotNil(err)

	_, err = New(Config{NCPU: 1, NFrames: 0})
	s.assert.NotNil(err)

	_, err = New(Config{NCPU: 1, NFrames: 10, PageSize: 3000})
	s.assert.NotNil(err)
	s.assert.Contains(err.Error(), "not a power of two")
}

func (s *kallocTestSuite) TestInitialState() {
	s.newAllocator(3, 10)
	s.assert.Equal(DefaultPageSize, s.alloc.PageSize())
	s.assert.Equal(10, s.alloc.FreeCount())
	s.assert.Equal(Stats{Frames: 10, Free: 10, Allocated: 0}, s.alloc.Stats())
	s.assert.Equal(4, s.alloc.cpus[0].len())
	s.assert.Equal(3, s.alloc.cpus[1].len())
	s.assert.Equal(3, s.alloc.cpus[2].len())
}

func (s *kallocTestSuite) TestAllocFillsJunk() {
	s.newAllocator(1, 2)

	pa, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	s.assert.True(s.alloc.Contains(pa))
	s.assert.Equal(1, s.alloc.RefCount(pa))
	s.assert.Equal(bytes.Repeat([]byte{allocJunk}, DefaultPageSize), s.alloc.Page(pa))
	s.assert.Equal(0, s.onFreeList(pa))

	s.alloc.Free(0, pa)
	s.assert.Equal(0, s.alloc.RefCount(pa))
	s.assert.Equal(bytes.Repeat([]byte{freeJunk}, DefaultPageSize), s.alloc.Page(pa))
	s.assert.Equal(1, s.onFreeList(pa))
}

func (s *kallocTestSuite) TestStealFromOtherCPU() {
	s.newAllocator(2, 4)

	var got []PA
	for i := 0; i < 4; i++ {
		pa, err := s.alloc.Alloc(0)
		s.assert.Nil(err)
		got = append(got, pa)
	}
	s.assert.Equal(0, s.alloc.FreeCount())

	_, err := s.alloc.Alloc(1)
	s.assert.ErrorIs(err, ErrNoMemory)

	// Frames go back to the releasing CPU's list.
	s.alloc.Free(1, got[0])
	s.alloc.Free(1, got[1])
	s.assert.Equal(0, s.alloc.cpus[0].len())
	s.assert.Equal(2, s.alloc.cpus[1].len())

	pa, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	s.assert.Contains(got[:2], pa)
}

func (s *kallocTestSuite) TestSharedFrameFreedOnce() {
	s.newAllocator(1, 4)

	pa, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	s.alloc.IncRef(pa)
	s.alloc.IncRef(pa)
	s.assert.Equal(3, s.alloc.RefCount(pa))

	s.alloc.Free(0, pa)
	s.alloc.Free(0, pa)
	s.assert.Equal(1, s.alloc.RefCount(pa))
	s.assert.Equal(0, s.onFreeList(pa))
	s.assert.Equal(3, s.alloc.FreeCount())

	s.alloc.Free(0, pa)
	s.assert.Equal(0, s.alloc.RefCount(pa))
	s.assert.Equal(1, s.onFreeList(pa))
	s.assert.Equal(4, s.alloc.FreeCount())
}

func (s *kallocTestSuite) TestConcurrentReleaseFreesExactlyOnce() {
	s.newAllocator(4, 8)
	const holders = 16

	pa, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	for i := 1; i < holders; i++ {
		s.alloc.IncRef(pa)
	}

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			s.alloc.Free(cpu, pa)
		}(i)
	}
	wg.Wait()

	s.assert.Equal(0, s.alloc.RefCount(pa))
	s.assert.Equal(1, s.onFreeList(pa))
	s.assert.Equal(8, s.alloc.FreeCount())
}

func (s *kallocTestSuite) TestConcurrentAllocNeverDuplicates() {
	s.newAllocator(4, 64)

	var mu sync.Mutex
	seen := make(map[PA]int)
	var wg sync.WaitGroup
	for cpu := 0; cpu < 4; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			for {
				pa, err := s.alloc.Alloc(cpu)
				if err != nil {
					return
				}
				mu.Lock()
				seen[pa]++
				mu.Unlock()
			}
		}(cpu)
	}
	wg.Wait()

	s.assert.Len(seen, 64)
	for pa, n := range seen {
		s.assert.Equal(1, n, "frame %#x handed out %d times", pa, n)
		s.assert.Equal(1, s.alloc.RefCount(pa))
	}
	s.assert.Equal(0, s.alloc.FreeCount())
}

func (s *kallocTestSuite) TestRoundTripAndScrub() {
	s.newAllocator(1, 1)

	pa, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	copy(s.alloc.Page(pa), "secret")
	s.assert.Equal([]byte("secret"), s.alloc.Page(pa)[:6])

	s.alloc.Free(0, pa)
	again, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	s.assert.Equal(pa, again)
	s.assert.NotContains(string(s.alloc.Page(again)), "secret")
}

func (s *kallocTestSuite) TestInvariantViolations() {
	s.newAllocator(1, 2)

	pa, err := s.alloc.Alloc(0)
	s.assert.Nil(err)
	s.alloc.Free(0, pa)

	s.assert.Panics(func() { s.alloc.Free(0, pa) })
	s.assert.Panics(func() { s.alloc.IncRef(pa) })
	s.assert.Panics(func() { s.alloc.Free(0, pa+1) })
	s.assert.Panics(func() { s.alloc.Free(0, KernBase-PA(DefaultPageSize)) })
	s.assert.Panics(func() { s.alloc.Free(0, KernBase+PA(2*DefaultPageSize)) })
	s.assert.Panics(func() { _, _ = s.alloc.Alloc(-1) })
}

func (s *kallocTestSuite) TestRefGuard() {
	s.newAllocator(1, 2)

	ref, err := s.alloc.Acquire(0)
	s.assert.Nil(err)
	s.assert.Equal(1, s.alloc.FreeCount())
	s.assert.Len(ref.Page(), DefaultPageSize)
	ref.Release()
	ref.Release()
	s.assert.Equal(2, s.alloc.FreeCount())

	ref, err = s.alloc.Acquire(0)
	s.assert.Nil(err)
	pa := ref.Keep()
	ref.Release()
	s.assert.Equal(pa, ref.PA())
	s.assert.Equal(1, s.alloc.RefCount(pa))
	s.assert.Equal(1, s.alloc.FreeCount())
}

func TestKalloc(t *testing.T) {
	suite.Run(t, new(kallocTestSuite))
}

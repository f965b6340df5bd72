package kalloc

import "kcore/internal/klock"

// freeList is one CPU's stack of free frame indices. The links are kept in a
// next array shared by all lists; a frame is on at most one list, so its link
// is only ever touched under that list's lock.
type freeList struct {
	lock  *klock.SpinLock
	next  []int32
	head  int32 // -1 when empty
	count int
}

func (l *freeList) init(name string, next []int32) {
	l.lock = klock.NewSpinLock(name)
	l.next = next
	l.head = -1
}

func (l *freeList) push(idx int32) {
	l.lock.Lock()
	l.next[idx] = l.head
	l.head = idx
	l.count++
	l.lock.Unlock()
}

// pop removes and returns the most recently freed frame, or -1.
func (l *freeList) pop() int32 {
	l.lock.Lock()
	defer l.lock.Unlock()

	idx := l.head
	if idx < 0 {
		return -1
	}
	l.head = l.next[idx]
	l.next[idx] = -1
	l.count--
	return idx
}

func (l *freeList) len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.count
}

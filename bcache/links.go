package bcache

// links is an intrusive doubly linked list over array indices. Indices
// [0, nbuf) are buffers; nbuf+h is the sentinel heading bucket h. Every
// bucket list is circular through its sentinel.
type links struct {
	nbuf int32
	prev []int32
	next []int32
}

func (l *links) init(nbuf, nbucket int) {
	l.nbuf = int32(nbuf)
	l.prev = make([]int32, nbuf+nbucket)
	l.next = make([]int32, nbuf+nbucket)
	for h := 0; h < nbucket; h++ {
		s := l.sentinel(h)
		l.prev[s] = s
		l.next[s] = s
	}
}

func (l *links) sentinel(h int) int32 {
	return l.nbuf + int32(h)
}

func (l *links) unlink(i int32) {
	l.next[l.prev[i]] = l.next[i]
	l.prev[l.next[i]] = l.prev[i]
	l.prev[i] = i
	l.next[i] = i
}

// pushFront links i right after bucket h's sentinel (most recently used).
func (l *links) pushFront(h int, i int32) {
	s := l.sentinel(h)
	l.next[i] = l.next[s]
	l.prev[i] = s
	l.prev[l.next[s]] = i
	l.next[s] = i
}

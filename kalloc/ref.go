package kalloc

// Ref is a scope guard over one freshly allocated frame. Release frees the
// frame unless ownership was handed off with Keep, so a deferred Release
// covers every early return:
//
//	ref, err := a.Acquire(cpu)
//	if err != nil {
//		return err
//	}
//	defer ref.Release()
//	...
//	pt.Map(va, ref.Keep(), perm)
type Ref struct {
	a    *Allocator
	cpu  int
	pa   PA
	live bool
}

// Acquire allocates a frame on cpu and wraps it in a Ref.
func (a *Allocator) Acquire(cpu int) (*Ref, error) {
	pa, err := a.Alloc(cpu)
	if err != nil {
		return nil, err
	}
	return &Ref{a: a, cpu: cpu, pa: pa, live: true}, nil
}

// PA returns the guarded frame's address.
func (r *Ref) PA() PA { return r.pa }

// Page returns the guarded frame's bytes.
func (r *Ref) Page() []byte { return r.a.Page(r.pa) }

// Keep disarms the guard and returns the frame; the caller now owns the reference.
func (r *Ref) Keep() PA {
	r.live = false
	return r.pa
}

// Release frees the frame if it is still owned by the guard. Safe to call twice.
func (r *Ref) Release() {
	if !r.live {
		return
	}
	r.live = false
	r.a.Free(r.cpu, r.pa)
}

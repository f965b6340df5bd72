package vm

import (
	"fmt"
)

// HandleWriteFault resolves a store to a copy-on-write page. If this space
// holds the only reference the page simply becomes writable again;
// otherwise the contents are copied to a fresh frame and the shared frame
// loses one reference. Running out of frames fails the fault for this
// process only.
func (s *Space) HandleWriteFault(va uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFaultLocked(va)
}

// HandleFault dispatches a user page fault: stores to copy-on-write pages go
// to the write-fault handler, faults on unmapped pages go to the pager.
func (s *Space) HandleFault(va uint64, write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if va >= MaxVA {
		return ErrFault
	}
	pte, ok := s.pt.Walk(va)
	switch {
	case ok && pte&PTE_V != 0 && write && pte&PTE_C != 0:
		return s.writeFaultLocked(va)
	case !ok && s.pager != nil:
		return s.pager.PopulateLocked(PageRoundDown(va))
	default:
		return ErrFault
	}
}

func (s *Space) writeFaultLocked(va uint64) error {
	if va >= MaxVA {
		return ErrFault
	}
	va = PageRoundDown(va)
	pte, ok := s.pt.Walk(va)
	if !ok || pte&PTE_V == 0 || pte&PTE_U == 0 || pte&PTE_C == 0 {
		return ErrFault
	}

	old := pte.PA()
	if s.alloc.RefCount(old) == 1 {
		s.pt.Set(va, (pte&^PTE_C)|PTE_W)
		return nil
	}

	ref, err := s.alloc.Acquire(s.cpu)
	if err != nil {
		return fmt.Errorf("cow fault at %#x: %w", va, err)
	}
	defer ref.Release()

	copy(ref.Page(), s.alloc.Page(old))
	s.pt.Set(va, PA2PTE(ref.Keep())|(pte.Flags()&^PTE_C)|PTE_W)
	s.alloc.Free(s.cpu, old)
	return nil
}

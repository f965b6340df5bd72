package vm

// CopyOut copies data into user memory at va, as a store by the process
// would: copy-on-write pages are resolved and unmapped pages are handed to
// the pager first.
func (s *Space) CopyOut(va uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(data) > 0 {
		page := PageRoundDown(va)
		frame, err := s.userPageLocked(page, true)
		if err != nil {
			return err
		}
		n := copy(frame[va-page:], data)
		data = data[n:]
		va += uint64(n)
	}
	return nil
}

// CopyIn reads n bytes of user memory starting at va.
func (s *Space) CopyIn(va uint64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n {
		page := PageRoundDown(va)
		frame, err := s.userPageLocked(page, false)
		if err != nil {
			return nil, err
		}
		chunk := frame[va-page:]
		if rem := n - len(out); len(chunk) > rem {
			chunk = chunk[:rem]
		}
		out = append(out, chunk...)
		va += uint64(len(chunk))
	}
	return out, nil
}

// PageLocked returns the frame backing the page at va, if one is mapped.
//
// Preconditions: s is locked.
func (s *Space) PageLocked(va uint64) ([]byte, bool) {
	pte, ok := s.pt.Walk(va)
	if !ok || pte&PTE_V == 0 {
		return nil, false
	}
	return s.alloc.Page(pte.PA()), true
}

func (s *Space) userPageLocked(va uint64, write bool) ([]byte, error) {
	if va >= MaxVA {
		return nil, ErrFault
	}
	pte, ok := s.pt.Walk(va)
	if !ok || pte&PTE_V == 0 {
		if s.pager == nil {
			return nil, ErrFault
		}
		if err := s.pager.PopulateLocked(va); err != nil {
			return nil, err
		}
		if pte, ok = s.pt.Walk(va); !ok {
			return nil, ErrFault
		}
	}
	if pte&PTE_U == 0 {
		return nil, ErrFault
	}
	if write && pte&PTE_W == 0 {
		if pte&PTE_C == 0 {
			return nil, ErrFault
		}
		if err := s.writeFaultLocked(va); err != nil {
			return nil, err
		}
		pte, _ = s.pt.Walk(va)
	}
	if !write && pte&PTE_R == 0 {
		return nil, ErrFault
	}
	return s.alloc.Page(pte.PA()), nil
}

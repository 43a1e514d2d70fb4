package uffd

import "sync"

// pageSet holds the page addresses this descriptor already installed.
// The kernel can report a fault again for a page that was just copied when the faulting
// thread was woken by a signal before the wake ioctl, such a message must not be handled twice.
type pageSet struct {
	mu    sync.RWMutex
	pages map[uintptr]struct{}
}

func newPageSet() *pageSet {
	return &pageSet{pages: map[uintptr]struct{}{}}
}

func (s *pageSet) Add(addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[addr] = struct{}{}
}

func (s *pageSet) Has(addr uintptr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.pages[addr]

	return ok
}

// RemoveRange forgets every page in [start, start+size).
func (s *pageSet) RemoveRange(start, size uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr := range s.pages {
		if addr >= start && addr < start+size {
			delete(s.pages, addr)
		}
	}
}

func (s *pageSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.pages)
}

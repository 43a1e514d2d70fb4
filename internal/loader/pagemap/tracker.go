package pagemap

import (
	"iter"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// FaultType represents the type of memory access that caused a page to be populated.
type FaultType string

const (
	// FaultTypeRead indicates a page populated because of a read or instruction fetch
	FaultTypeRead FaultType = "read"
	// FaultTypeWrite indicates a page populated because of a write
	FaultTypeWrite FaultType = "write"
)

// PageEntry holds metadata about a populated page.
type PageEntry struct {
	Index     uint
	Order     uint64
	FaultType FaultType
}

// Tracker is the per-segment page map. It has a fixed number of pages, all of them
// starting as unpopulated. A page can move to populated exactly once and never goes back.
type Tracker struct {
	b  *bitset.BitSet
	mu sync.RWMutex

	pages uint

	// pageEntries stores metadata for each populated page index
	pageEntries map[uint]PageEntry
	// orderCounter tracks the next order number to assign
	orderCounter uint64
}

func New(pages uint) *Tracker {
	return &Tracker{
		b:            bitset.New(pages),
		pages:        pages,
		pageEntries:  make(map[uint]PageEntry),
		orderCounter: 1,
	}
}

// Len returns the number of pages covered by the tracker.
func (t *Tracker) Len() uint {
	return t.pages
}

func (t *Tracker) Has(idx uint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if idx >= t.pages {
		return false
	}

	return t.b.Test(idx)
}

// TryAdd marks the page as populated.
// It returns false if the page was already populated or the index is out of range.
func (t *Tracker) TryAdd(idx uint, faultType FaultType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= t.pages || t.b.Test(idx) {
		return false
	}

	t.b.Set(idx)
	t.pageEntries[idx] = PageEntry{
		Index:     idx,
		Order:     t.orderCounter,
		FaultType: faultType,
	}
	t.orderCounter++

	return true
}

// Count returns the number of populated pages.
func (t *Tracker) Count() uint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.b.Count()
}

// PageEntries returns a copy of the page entries map.
func (t *Tracker) PageEntries() map[uint]PageEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[uint]PageEntry, len(t.pageEntries))
	for k, v := range t.pageEntries {
		result[k] = v
	}

	return result
}

// Populated iterates over the populated page indexes in ascending order.
func (t *Tracker) Populated() iter.Seq[uint] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.b.Clone().EachSet()
}

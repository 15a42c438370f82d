package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/logger"
)

// Structure selects the placement geometry of a section.
type Structure int

const (
	DirectMapped Structure = iota
	SetAssociative
	FullyAssociative
)

func (s Structure) String() string {
	switch s {
	case DirectMapped:
		return "direct-mapped"
	case SetAssociative:
		return "set-associative"
	case FullyAssociative:
		return "fully-associative"
	}
	return "unknown"
}

// cacheSlot is one resident line: either a way inside a set or an entry of
// the fully-associative LRU list.
type cacheSlot struct {
	valid      bool
	referenced bool
	id         basic.PageID
	page       *Page
}

// Section is one cache region with a fixed geometry and replacement
// policy. Set-based sections replace with a second-chance clock whose hand
// lives in the section; the fully-associative section replaces with LRU.
type Section struct {
	id       basic.SectionID
	store    basic.BackingStore
	pageSize int

	mu            sync.Mutex
	sizeBytes     int
	lineSize      int
	structure     Structure
	assoc         int
	capacityPages int
	numSets       int
	clockHand     int

	sets  [][]cacheSlot                  // DirectMapped / SetAssociative
	lru   *list.List                     // FullyAssociative, of *cacheSlot
	index map[basic.PageID]*list.Element // FullyAssociative

	stats sectionStats
}

func newSection(id basic.SectionID, sizeBytes, lineSize int, structure Structure,
	associativity, pageSize int, store basic.BackingStore) *Section {

	if lineSize <= 0 {
		lineSize = pageSize
	}
	capacity := sizeBytes / lineSize
	if capacity < 1 {
		capacity = 1
	}

	switch structure {
	case DirectMapped:
		associativity = 1
	case FullyAssociative:
		associativity = capacity
	default:
		if associativity < 2 {
			associativity = 2
		}
		if associativity > capacity {
			associativity = capacity
		}
	}

	numSets := capacity / associativity
	if numSets < 1 {
		numSets = 1
	}

	s := &Section{
		id:            id,
		store:         store,
		pageSize:      pageSize,
		sizeBytes:     sizeBytes,
		lineSize:      lineSize,
		structure:     structure,
		assoc:         associativity,
		capacityPages: capacity,
		numSets:       numSets,
	}
	s.initStorageLocked()
	return s
}

func (s *Section) initStorageLocked() {
	if s.structure == FullyAssociative {
		s.sets = nil
		s.lru = list.New()
		s.index = make(map[basic.PageID]*list.Element)
		return
	}
	s.lru = nil
	s.index = nil
	s.sets = make([][]cacheSlot, s.numSets)
	for i := range s.sets {
		s.sets[i] = make([]cacheSlot, s.assoc)
	}
}

func (s *Section) setIndex(id basic.PageID) int {
	return int(uint32(id) % uint32(s.numSets))
}

// referenceLocked looks up id and, on a hit, marks it recently used.
func (s *Section) referenceLocked(id basic.PageID) *Page {
	if s.structure == FullyAssociative {
		elem, ok := s.index[id]
		if !ok {
			return nil
		}
		s.lru.MoveToFront(elem)
		return elem.Value.(*cacheSlot).page
	}

	set := s.sets[s.setIndex(id)]
	for i := range set {
		if set[i].valid && set[i].id == id {
			set[i].referenced = true
			return set[i].page
		}
	}
	return nil
}

// peekLocked looks up id without touching replacement state.
func (s *Section) peekLocked(id basic.PageID) *Page {
	if s.structure == FullyAssociative {
		if elem, ok := s.index[id]; ok {
			return elem.Value.(*cacheSlot).page
		}
		return nil
	}
	set := s.sets[s.setIndex(id)]
	for i := range set {
		if set[i].valid && set[i].id == id {
			return set[i].page
		}
	}
	return nil
}

// Fetch looks up a resident page. On a hit the page comes back pinned with
// an upgrade latch held. On a miss the section records the miss and
// returns false; loading is the caller's job.
func (s *Section) Fetch(id basic.PageID) (*Page, *PageGuard, bool) {
	start := time.Now()

	s.mu.Lock()
	page := s.referenceLocked(id)
	if page == nil {
		s.mu.Unlock()
		s.stats.recordMiss()
		return nil, nil, false
	}
	// Pin under the section lock so the eviction scanner cannot pick this
	// page between releasing the lock and latching it.
	page.Pin()
	s.mu.Unlock()

	guard := acquireGuard(page)
	s.stats.recordHit(time.Since(start))
	return page, guard, true
}

// Allocate installs a slot for id and returns its page pinned with an
// upgrade latch held. If id is already resident (a concurrent loader won
// the race) the existing page is returned with existed=true. No stats are
// recorded; Fetch or NewPage already accounted for the access.
func (s *Section) Allocate(id basic.PageID) (*Page, *PageGuard, bool, error) {
	s.mu.Lock()
	if page := s.referenceLocked(id); page != nil {
		page.Pin()
		s.mu.Unlock()
		return page, acquireGuard(page), true, nil
	}

	page, err := s.installLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, false, err
	}
	page.Pin()
	s.mu.Unlock()
	return page, acquireGuard(page), false, nil
}

// NewPage is Allocate for a freshly issued id; creating a page always
// counts as an access and a miss.
func (s *Section) NewPage(id basic.PageID) (*Page, *PageGuard, error) {
	s.stats.recordMiss()
	page, guard, _, err := s.Allocate(id)
	return page, guard, err
}

// installLocked claims a slot for id, evicting a victim when the target
// set (or the LRU list) is full.
func (s *Section) installLocked(id basic.PageID) (*Page, error) {
	if s.structure == FullyAssociative {
		return s.installFullyAssocLocked(id)
	}

	set := s.sets[s.setIndex(id)]
	var slot *cacheSlot
	for i := range set {
		if !set[i].valid {
			slot = &set[i]
			break
		}
	}
	if slot == nil {
		pos, err := s.clockVictimLocked(set)
		if err != nil {
			return nil, err
		}
		slot = &set[pos]
		if err := s.evictLocked(slot); err != nil {
			return nil, err
		}
	}

	page := newPage(id, s.pageSize)
	slot.valid = true
	slot.referenced = true
	slot.id = id
	slot.page = page
	return page, nil
}

func (s *Section) installFullyAssocLocked(id basic.PageID) (*Page, error) {
	page := newPage(id, s.pageSize)

	if s.lru.Len() < s.capacityPages {
		slot := &cacheSlot{valid: true, id: id, page: page}
		s.index[id] = s.lru.PushFront(slot)
		return page, nil
	}

	// LRU victim: walk from the back, skipping pinned entries.
	var elem *list.Element
	for e := s.lru.Back(); e != nil; e = e.Prev() {
		if e.Value.(*cacheSlot).page.PinCount() == 0 {
			elem = e
			break
		}
	}
	if elem == nil {
		return nil, ErrOutOfCapacity
	}

	slot := elem.Value.(*cacheSlot)
	if err := s.evictLocked(slot); err != nil {
		return nil, err
	}
	delete(s.index, slot.id)

	slot.valid = true
	slot.referenced = false
	slot.id = id
	slot.page = page
	s.lru.MoveToFront(elem)
	s.index[id] = elem
	return page, nil
}

// clockVictimLocked runs the second-chance sweep over the ways of one set.
// The hand persists in the section. Pinned slots are skipped; if every way
// is pinned the section is out of capacity.
func (s *Section) clockVictimLocked(set []cacheSlot) (int, error) {
	n := len(set)
	start := s.clockHand % n
	pos := start
	swept := false

	for {
		slot := &set[pos]
		if slot.page.PinCount() == 0 {
			if !slot.referenced {
				s.clockHand = (pos + 1) % n
				return pos, nil
			}
			slot.referenced = false
		}
		pos = (pos + 1) % n
		if pos == start {
			if swept {
				break
			}
			swept = true
		}
	}
	return 0, ErrOutOfCapacity
}

// evictLocked writes back a dirty victim before its slot is reused. The
// victim stays resident (dirty intact) if the write-back fails.
func (s *Section) evictLocked(slot *cacheSlot) error {
	victim := slot.page
	if victim == nil {
		return nil
	}

	victim.latch.Lock()
	if victim.IsDirty() {
		if err := s.store.Write(slot.id, victim.buf); err != nil {
			victim.latch.Unlock()
			return NewError("evict write-back", err)
		}
		victim.SetDirty(false)
	}
	victim.latch.Unlock()
	return nil
}

// Prefetch loads id into the section if absent. The loaded page ends up
// unpinned. Runs on a prefetch worker; the requesting client never waits
// on it.
func (s *Section) Prefetch(id basic.PageID) error {
	s.mu.Lock()
	if s.peekLocked(id) != nil {
		s.mu.Unlock()
		return nil
	}
	page, err := s.installLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// Pin + exclusive latch for the duration of the load so a concurrent
	// Fetch blocks until the content is in place instead of seeing zeros.
	page.Pin()
	page.latch.Lock()
	s.mu.Unlock()

	err = s.store.Read(id, page.buf)
	page.latch.Unlock()

	s.mu.Lock()
	page.Unpin()
	if err != nil {
		s.removeLocked(id, page)
	}
	s.mu.Unlock()
	return err
}

// removeLocked drops the slot holding exactly this page, if still present.
func (s *Section) removeLocked(id basic.PageID, page *Page) {
	if s.structure == FullyAssociative {
		if elem, ok := s.index[id]; ok && elem.Value.(*cacheSlot).page == page {
			s.lru.Remove(elem)
			delete(s.index, id)
		}
		return
	}
	set := s.sets[s.setIndex(id)]
	for i := range set {
		if set[i].valid && set[i].id == id && set[i].page == page {
			set[i] = cacheSlot{}
			return
		}
	}
}

// Discard removes a page that was installed but could not be loaded. The
// caller still holds its pin; the slot is dropped only when no one else
// pinned it in the meantime.
func (s *Section) Discard(id basic.PageID, page *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.PinCount() > 1 {
		logger.Debugf("discard of page %d skipped, pinned by another caller", id)
		return
	}
	s.removeLocked(id, page)
}

// Flush writes a dirty page back to the store and clears the dirty flag.
// Callers must not hold the page exclusively.
func (s *Section) Flush(page *Page) error {
	if !page.IsDirty() {
		return nil
	}

	page.latch.RLock()
	err := s.store.Write(page.ID(), page.buf)
	page.latch.RUnlock()
	if err != nil {
		return NewError("flush", err)
	}
	page.SetDirty(false)
	return nil
}

// FlushAll writes back every dirty resident page. The first error is
// returned after the sweep completes.
func (s *Section) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAllLocked()
}

func (s *Section) flushAllLocked() error {
	var firstErr error
	flush := func(slot *cacheSlot) {
		if !slot.valid || slot.page == nil || !slot.page.IsDirty() {
			return
		}
		slot.page.latch.RLock()
		err := s.store.Write(slot.id, slot.page.buf)
		slot.page.latch.RUnlock()
		if err != nil {
			if firstErr == nil {
				firstErr = NewError("flush-all", err)
			}
			return
		}
		slot.page.SetDirty(false)
	}

	if s.structure == FullyAssociative {
		for e := s.lru.Front(); e != nil; e = e.Next() {
			flush(e.Value.(*cacheSlot))
		}
	} else {
		for i := range s.sets {
			for j := range s.sets[i] {
				flush(&s.sets[i][j])
			}
		}
	}
	return firstErr
}

// PageCount returns the number of valid resident slots.
func (s *Section) PageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.structure == FullyAssociative {
		return s.lru.Len()
	}
	count := 0
	for i := range s.sets {
		for j := range s.sets[i] {
			if s.sets[i][j].valid {
				count++
			}
		}
	}
	return count
}

// Stats returns a snapshot of the section's counters and geometry.
func (s *Section) Stats() SectionStats {
	snap := s.stats.snapshot()
	s.mu.Lock()
	snap.SectionID = s.id
	snap.SizeBytes = s.sizeBytes
	snap.LineSize = s.lineSize
	s.mu.Unlock()
	return snap
}

// ResetStats zeroes the counters.
func (s *Section) ResetStats() {
	s.stats.reset()
}

func (s *Section) observeMissTime(elapsed time.Duration) {
	s.stats.observeMissTime(elapsed)
}

// Resize adjusts the section to a new byte size. Dirty residents are
// written back first; all entries are then discarded and the geometry is
// rebuilt, so the section re-warms from scratch.
func (s *Section) Resize(newSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newSize == s.sizeBytes {
		return
	}
	if err := s.flushAllLocked(); err != nil {
		logger.Warnf("section %d resize: write-back failed: %v", s.id, err)
	}
	if pinned := s.pinnedCountLocked(); pinned > 0 {
		logger.Warnf("section %d resize drops %d pinned pages", s.id, pinned)
	}

	s.sizeBytes = newSize
	s.capacityPages = newSize / s.lineSize
	if s.capacityPages < 1 {
		s.capacityPages = 1
	}
	// Keep numSets * assoc within the new capacity: a shrink below the
	// old associativity would otherwise allocate more ways than pages.
	if s.structure == FullyAssociative || s.assoc > s.capacityPages {
		s.assoc = s.capacityPages
	}
	s.numSets = s.capacityPages / s.assoc
	if s.numSets < 1 {
		s.numSets = 1
	}
	s.clockHand = 0
	s.initStorageLocked()
}

func (s *Section) pinnedCountLocked() int {
	count := 0
	if s.structure == FullyAssociative {
		for e := s.lru.Front(); e != nil; e = e.Next() {
			if e.Value.(*cacheSlot).page.PinCount() > 0 {
				count++
			}
		}
		return count
	}
	for i := range s.sets {
		for j := range s.sets[i] {
			if s.sets[i][j].valid && s.sets[i][j].page.PinCount() > 0 {
				count++
			}
		}
	}
	return count
}

// ID returns the section id.
func (s *Section) ID() basic.SectionID {
	return s.id
}

// SizeBytes returns the current section size.
func (s *Section) SizeBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

// LineSize returns the line size.
func (s *Section) LineSize() int {
	return s.lineSize
}

// Structure returns the placement geometry.
func (s *Section) Structure() Structure {
	return s.structure
}

// Associativity returns the number of ways per set.
func (s *Section) Associativity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assoc
}

// NumSets returns the number of sets.
func (s *Section) NumSets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numSets
}

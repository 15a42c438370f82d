package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/logger"
)

// CacheConfig contains construction parameters for a SectionedCache.
type CacheConfig struct {
	// Basic configuration
	TotalSize       int
	PageSize        int
	DefaultLineSize int

	// Prefetch configuration
	PrefetchWorkers  int
	PrefetchQueueLen int

	// Backing store
	Store basic.BackingStore
}

// SectionedCache is the page cache façade. It owns the sections, routes
// page ids to them, and coordinates the operations that span sections:
// flush-all, stats, resizing and size optimization.
type SectionedCache struct {
	mu sync.RWMutex

	config    *CacheConfig
	store     basic.BackingStore
	pageSize  int
	totalSize int
	availSize int

	sections         map[basic.SectionID]*Section
	nextSectionID    basic.SectionID
	defaultSectionID basic.SectionID
	router           *Router

	nextPageID uint32 // 0 until the metadata page id has been issued

	prefetcher *PrefetchManager
}

// NewSectionedCache builds a cache whose whole budget initially belongs to
// a fully-associative default section.
func NewSectionedCache(config *CacheConfig) (*SectionedCache, error) {
	if config.PageSize <= 0 || config.TotalSize < config.PageSize {
		return nil, NewError("new cache", ErrOutOfCapacity)
	}
	lineSize := config.DefaultLineSize
	if lineSize <= 0 {
		lineSize = config.PageSize
	}

	c := &SectionedCache{
		config:    config,
		store:     config.Store,
		pageSize:  config.PageSize,
		totalSize: config.TotalSize,
		availSize: config.TotalSize,
		sections:  make(map[basic.SectionID]*Section),
	}

	id, err := c.CreateSection(config.TotalSize, lineSize, FullyAssociative, 0)
	if err != nil {
		return nil, err
	}
	c.defaultSectionID = id
	c.router = NewRouter(id)

	workers := config.PrefetchWorkers
	if workers <= 0 {
		workers = 2
	}
	queueLen := config.PrefetchQueueLen
	if queueLen <= 0 {
		queueLen = 64
	}
	c.prefetcher = NewPrefetchManager(c, queueLen, workers)

	return c, nil
}

// Close stops the prefetch workers and writes back all dirty pages. The
// backing store stays open; it belongs to the caller.
func (c *SectionedCache) Close() error {
	c.prefetcher.Stop()
	return c.FlushAllPages()
}

// PageSize returns the fixed page size.
func (c *SectionedCache) PageSize() int {
	return c.pageSize
}

// DefaultSectionID returns the id of the always-present default section.
func (c *SectionedCache) DefaultSectionID() basic.SectionID {
	return c.defaultSectionID
}

// section returns the section with the given id.
func (c *SectionedCache) section(id basic.SectionID) (*Section, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec, ok := c.sections[id]
	return sec, ok
}

// sectionFor routes a page id to its hosting section. The default section
// always exists, so routing never fails.
func (c *SectionedCache) sectionFor(id basic.PageID) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sec, ok := c.sections[c.router.Lookup(id)]; ok {
		return sec
	}
	return c.sections[c.defaultSectionID]
}

// NewPage issues a fresh page id, allocates it in its routed section and
// returns the page pinned with an upgrade latch held. The first call on a
// fresh cache returns the reserved metadata page id.
func (c *SectionedCache) NewPage() (*Page, *PageGuard, error) {
	var id basic.PageID
	if atomic.CompareAndSwapUint32(&c.nextPageID, 0, uint32(basic.MetaPageID)) {
		id = basic.MetaPageID
	} else {
		allocated, err := c.store.Allocate()
		if err != nil {
			return nil, nil, NewError("new page", err)
		}
		id = allocated
		atomic.StoreUint32(&c.nextPageID, uint32(allocated))
	}

	sec := c.sectionFor(id)
	page, guard, err := sec.NewPage(id)
	if err != nil {
		return nil, nil, NewError("new page", err)
	}
	return page, guard, nil
}

// FetchPage returns the page for id, loading it through the backing store
// on a miss. The page comes back pinned with an upgrade latch held.
func (c *SectionedCache) FetchPage(id basic.PageID) (*Page, *PageGuard, error) {
	if id == basic.InvalidPageID {
		return nil, nil, NewError("fetch page", ErrInvalidPageID)
	}

	sec := c.sectionFor(id)
	if page, guard, ok := sec.Fetch(id); ok {
		return page, guard, nil
	}

	// Miss: claim a slot, then read through the store under an exclusive
	// latch so concurrent fetchers never observe a half-loaded buffer.
	start := time.Now()
	page, guard, existed, err := sec.Allocate(id)
	if err != nil {
		return nil, nil, NewError("fetch page", err)
	}
	if existed {
		// A concurrent loader installed the page first.
		return page, guard, nil
	}

	guard.Upgrade()
	if err := c.store.Read(id, page.buf); err != nil {
		guard.Downgrade()
		sec.Discard(id, page)
		page.Unpin()
		guard.Release()
		return nil, nil, NewError("fetch page", err)
	}
	guard.Downgrade()
	page.SetDirty(false)
	sec.observeMissTime(time.Since(start))

	return page, guard, nil
}

// PinPage adds a pin to the page.
func (c *SectionedCache) PinPage(page *Page) {
	page.Pin()
}

// UnpinPage drops one pin and ORs dirty into the page's dirty flag. The
// caller still owns its PageGuard and releases it separately.
func (c *SectionedCache) UnpinPage(page *Page, dirty bool) {
	if dirty {
		page.SetDirty(true)
	}
	if page.Unpin() < 0 {
		logger.Errorf("pin count of page %d dropped below zero", page.ID())
	}
}

// FlushPage writes the page back if dirty.
func (c *SectionedCache) FlushPage(page *Page) error {
	return c.sectionFor(page.ID()).Flush(page)
}

// FlushAllPages writes back every dirty page in every section.
func (c *SectionedCache) FlushAllPages() error {
	c.mu.RLock()
	sections := make([]*Section, 0, len(c.sections))
	for _, sec := range c.sections {
		sections = append(sections, sec)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, sec := range sections {
		if err := sec.FlushAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PrefetchPage hints that id will be needed soon. Never blocks on store
// IO.
func (c *SectionedCache) PrefetchPage(id basic.PageID) {
	c.PrefetchPages([]basic.PageID{id})
}

// PrefetchPages enqueues best-effort loads for the given ids, grouped by
// section so each worker amortizes its section lock acquisitions.
func (c *SectionedCache) PrefetchPages(ids []basic.PageID) {
	if len(ids) == 0 {
		return
	}

	groups := make(map[basic.SectionID][]basic.PageID)
	for _, id := range ids {
		if id == basic.InvalidPageID {
			continue
		}
		c.mu.RLock()
		sid := c.router.Lookup(id)
		c.mu.RUnlock()
		groups[sid] = append(groups[sid], id)
	}

	for sid, group := range groups {
		c.prefetcher.Trigger(sid, group)
	}
}

// PrefetchQueueLength returns the number of queued prefetch requests.
func (c *SectionedCache) PrefetchQueueLength() int {
	return c.prefetcher.QueueLength()
}

// Size returns the number of resident pages across all sections.
func (c *SectionedCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, sec := range c.sections {
		total += sec.PageCount()
	}
	return total
}

// UnallocatedBytes returns the part of the budget not owned by any
// section.
func (c *SectionedCache) UnallocatedBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availSize
}

// CreateSection carves a new section out of the unallocated budget. An
// over-subscribed request is clamped to what is left.
func (c *SectionedCache) CreateSection(sizeBytes, lineSize int, structure Structure, associativity int) (basic.SectionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sizeBytes > c.availSize {
		sizeBytes = c.availSize
	}
	if sizeBytes <= 0 {
		return 0, NewError("create section", ErrOutOfCapacity)
	}

	id := c.nextSectionID
	c.nextSectionID++
	c.sections[id] = newSection(id, sizeBytes, lineSize, structure, associativity, c.pageSize, c.store)
	c.availSize -= sizeBytes
	return id, nil
}

// RemoveSection tears a section down: dirty pages are written back, its
// router entries are cleared and its bytes return to the unallocated
// budget. The default section cannot be removed.
func (c *SectionedCache) RemoveSection(id basic.SectionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == c.defaultSectionID {
		return NewError("remove section", ErrDefaultSection)
	}
	sec, ok := c.sections[id]
	if !ok {
		return NewError("remove section", ErrSectionNotFound)
	}

	if err := sec.FlushAll(); err != nil {
		return err
	}
	c.availSize += sec.SizeBytes()
	delete(c.sections, id)
	c.router.RemoveSection(id)
	return nil
}

// ResizeSection changes a section's size, moving the delta to or from the
// unallocated budget. Growth beyond the remaining budget is clamped.
func (c *SectionedCache) ResizeSection(id basic.SectionID, newSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resizeSectionLocked(id, newSize)
}

func (c *SectionedCache) resizeSectionLocked(id basic.SectionID, newSize int) error {
	sec, ok := c.sections[id]
	if !ok {
		return NewError("resize section", ErrSectionNotFound)
	}

	oldSize := sec.SizeBytes()
	if newSize > oldSize {
		grow := newSize - oldSize
		if grow > c.availSize {
			newSize = oldSize + c.availSize
		}
		c.availSize -= newSize - oldSize
	} else {
		c.availSize += oldSize - newSize
	}
	sec.Resize(newSize)
	return nil
}

// MapPageToSection steers a single page id to a section.
func (c *SectionedCache) MapPageToSection(id basic.PageID, section basic.SectionID) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.sections[section]; !ok {
		return NewError("map page", ErrInvalidMapping)
	}
	c.router.MapPage(id, section)
	return nil
}

// MapPageRangeToSection steers the closed id range [lo, hi] to a section.
// Last writer wins: older ranges lose the ids they share with [lo, hi]
// and keep the rest.
func (c *SectionedCache) MapPageRangeToSection(lo, hi basic.PageID, section basic.SectionID) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.sections[section]; !ok {
		return NewError("map page range", ErrInvalidMapping)
	}
	c.router.MapRange(lo, hi, section)
	return nil
}

// LookupSection resolves a page id through the router.
func (c *SectionedCache) LookupSection(id basic.PageID) basic.SectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.router.Lookup(id)
}

// GetAllSectionStats returns a per-section snapshot, ordered by section
// id.
func (c *SectionedCache) GetAllSectionStats() []SectionStats {
	c.mu.RLock()
	stats := make([]SectionStats, 0, len(c.sections))
	for _, sec := range c.sections {
		stats = append(stats, sec.Stats())
	}
	c.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].SectionID < stats[j].SectionID })
	return stats
}

// ResetAllStats zeroes every section's counters.
func (c *SectionedCache) ResetAllStats() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sec := range c.sections {
		sec.ResetStats()
	}
}

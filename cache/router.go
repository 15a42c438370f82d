package cache

import (
	"sync"

	"github.com/farmem/bptcache/basic"
)

// pageRange is a closed id interval steered to one section.
type pageRange struct {
	lo, hi  basic.PageID
	section basic.SectionID
}

// Router resolves a page id to the section hosting it. Point mappings win
// over range mappings, which win over the default section. Range inserts
// are last-writer-wins: a new range takes over the ids it covers from
// every stored range it intersects, which keep only their uncovered parts.
type Router struct {
	mu             sync.RWMutex
	defaultSection basic.SectionID
	pointMap       map[basic.PageID]basic.SectionID
	ranges         []pageRange
}

// NewRouter builds a router sending everything to the default section.
func NewRouter(defaultSection basic.SectionID) *Router {
	return &Router{
		defaultSection: defaultSection,
		pointMap:       make(map[basic.PageID]basic.SectionID),
	}
}

// SetDefault replaces the fallback section.
func (r *Router) SetDefault(section basic.SectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultSection = section
}

// Default returns the fallback section.
func (r *Router) Default() basic.SectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSection
}

// MapPage installs a point override for one id.
func (r *Router) MapPage(id basic.PageID, section basic.SectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pointMap[id] = section
}

// MapRange steers [lo, hi] to section. The new interval wins over stored
// ranges: fully-covered entries are dropped, partially-covered ones keep
// their non-overlapping remainders.
func (r *Router) MapRange(lo, hi basic.PageID, section basic.SectionID) {
	if lo > hi {
		lo, hi = hi, lo
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// One stored entry can split into two remainders, so rebuild instead
	// of filtering in place.
	kept := make([]pageRange, 0, len(r.ranges)+2)
	for _, rng := range r.ranges {
		if rng.hi < lo || rng.lo > hi {
			kept = append(kept, rng)
			continue
		}
		if rng.lo < lo {
			kept = append(kept, pageRange{lo: rng.lo, hi: lo - 1, section: rng.section})
		}
		if rng.hi > hi {
			kept = append(kept, pageRange{lo: hi + 1, hi: rng.hi, section: rng.section})
		}
	}
	r.ranges = append(kept, pageRange{lo: lo, hi: hi, section: section})
}

// Lookup resolves id to its section.
func (r *Router) Lookup(id basic.PageID) basic.SectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if section, ok := r.pointMap[id]; ok {
		return section
	}
	for _, rng := range r.ranges {
		if id >= rng.lo && id <= rng.hi {
			return rng.section
		}
	}
	return r.defaultSection
}

// RemoveSection clears every mapping that references section. Ids that
// were steered there fall back to the default section.
func (r *Router) RemoveSection(section basic.SectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sec := range r.pointMap {
		if sec == section {
			delete(r.pointMap, id)
		}
	}
	kept := r.ranges[:0]
	for _, rng := range r.ranges {
		if rng.section != section {
			kept = append(kept, rng)
		}
	}
	r.ranges = kept
}

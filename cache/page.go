package cache

import (
	"sync/atomic"

	"github.com/farmem/bptcache/basic"
)

// Page is a fixed-size byte buffer held by exactly one cache section.
// The pin count keeps it resident; the dirty flag forces a write-back
// before eviction.
type Page struct {
	id       basic.PageID
	buf      []byte
	dirty    int32
	pinCount int32
	latch    *PageLatch
}

func newPage(id basic.PageID, size int) *Page {
	return &Page{
		id:    id,
		buf:   make([]byte, size),
		latch: newPageLatch(),
	}
}

// ID returns the page id.
func (p *Page) ID() basic.PageID {
	return p.id
}

// Size returns the buffer size in bytes.
func (p *Page) Size() int {
	return len(p.buf)
}

// IsDirty reports whether the buffer was modified since the last
// write-back.
func (p *Page) IsDirty() bool {
	return atomic.LoadInt32(&p.dirty) != 0
}

// SetDirty sets or clears the dirty flag.
func (p *Page) SetDirty(dirty bool) {
	if dirty {
		atomic.StoreInt32(&p.dirty, 1)
	} else {
		atomic.StoreInt32(&p.dirty, 0)
	}
}

// Pin increments the pin count and returns the new value.
func (p *Page) Pin() int32 {
	return atomic.AddInt32(&p.pinCount, 1)
}

// Unpin decrements the pin count and returns the new value.
func (p *Page) Unpin() int32 {
	return atomic.AddInt32(&p.pinCount, -1)
}

// PinCount observes the pin count without mutating it.
func (p *Page) PinCount() int32 {
	return atomic.LoadInt32(&p.pinCount)
}

// Latch returns the page latch.
func (p *Page) Latch() *PageLatch {
	return p.latch
}

// PageGuard tracks the latch hold handed out with a fetched page. It is
// acquired in upgrade mode; Upgrade/Downgrade bracket buffer mutations.
type PageGuard struct {
	page     *Page
	upgraded bool
	released bool
}

func acquireGuard(page *Page) *PageGuard {
	page.latch.UpgradeLock()
	return &PageGuard{page: page}
}

// Buffer returns the page buffer. Valid while the guard is held.
func (g *PageGuard) Buffer() []byte {
	return g.page.buf
}

// Upgrade promotes the hold to exclusive for a buffer mutation.
func (g *PageGuard) Upgrade() {
	if !g.upgraded {
		g.page.latch.Upgrade()
		g.upgraded = true
	}
}

// Downgrade demotes the hold back to upgrade mode.
func (g *PageGuard) Downgrade() {
	if g.upgraded {
		g.page.latch.Downgrade()
		g.upgraded = false
	}
}

// Release drops the latch hold. Safe to call more than once.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.Downgrade()
	g.page.latch.UpgradeUnlock()
	g.released = true
}

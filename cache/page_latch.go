package cache

import "sync"

// PageLatch is a reader/writer latch with an upgrade mode. Shared holders
// may run concurrently with each other and with the single upgrade holder;
// the upgrade holder can promote itself to exclusive without releasing,
// which is what lets a caller read a page and atomically switch to
// mutating it.
type PageLatch struct {
	mu        sync.Mutex
	cond      *sync.Cond
	readers   int
	upgrader  bool
	writer    bool
	promoting bool
}

func newPageLatch() *PageLatch {
	l := &PageLatch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// RLock acquires the latch in shared mode.
func (l *PageLatch) RLock() {
	l.mu.Lock()
	for l.writer || l.promoting {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// RUnlock releases a shared hold.
func (l *PageLatch) RUnlock() {
	l.mu.Lock()
	l.readers--
	l.mu.Unlock()
	l.cond.Broadcast()
}

// UpgradeLock acquires the latch in upgrade mode. At most one holder;
// compatible with shared readers.
func (l *PageLatch) UpgradeLock() {
	l.mu.Lock()
	for l.upgrader || l.writer {
		l.cond.Wait()
	}
	l.upgrader = true
	l.mu.Unlock()
}

// UpgradeUnlock releases the upgrade hold.
func (l *PageLatch) UpgradeUnlock() {
	l.mu.Lock()
	l.upgrader = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Upgrade promotes the upgrade holder to exclusive. Blocks new readers and
// waits for existing ones to drain.
func (l *PageLatch) Upgrade() {
	l.mu.Lock()
	l.promoting = true
	for l.readers > 0 {
		l.cond.Wait()
	}
	l.promoting = false
	l.writer = true
	l.mu.Unlock()
}

// Downgrade demotes the exclusive holder back to upgrade mode.
func (l *PageLatch) Downgrade() {
	l.mu.Lock()
	l.writer = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Lock acquires the latch exclusively.
func (l *PageLatch) Lock() {
	l.UpgradeLock()
	l.Upgrade()
}

// Unlock releases an exclusive hold.
func (l *PageLatch) Unlock() {
	l.Downgrade()
	l.UpgradeUnlock()
}

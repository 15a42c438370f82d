package cache

import (
	"testing"
	"time"

	"github.com/farmem/bptcache/basic"
)

func onePage(id basic.PageID) []basic.PageID {
	return []basic.PageID{id}
}

func TestPrefetchQueuePriority(t *testing.T) {
	c, _ := newTestCache(t, 16)
	pm := NewPrefetchManager(c, 16, 0) // no workers: inspect the queue

	pm.TriggerWithPriority(0, onePage(100), 5, time.Second)
	pm.TriggerWithPriority(0, onePage(200), 8, time.Second)
	pm.TriggerWithPriority(0, onePage(300), 3, time.Second)

	if length := pm.QueueLength(); length != 3 {
		t.Fatalf("expected queue length 3, got %d", length)
	}

	req := pm.next()
	if req.Priority != 8 {
		t.Errorf("expected highest priority 8 first, got %d", req.Priority)
	}
	req = pm.next()
	if req.Priority != 5 {
		t.Errorf("expected priority 5 second, got %d", req.Priority)
	}
}

func TestPrefetchQueueFull(t *testing.T) {
	c, _ := newTestCache(t, 16)
	pm := NewPrefetchManager(c, 2, 0)

	pm.TriggerWithPriority(0, onePage(100), 5, time.Second)
	pm.TriggerWithPriority(0, onePage(200), 8, time.Second)
	// Lower priority than everything queued: dropped.
	pm.TriggerWithPriority(0, onePage(300), 3, time.Second)

	if length := pm.QueueLength(); length != 2 {
		t.Fatalf("queue length %d exceeds maximum 2", length)
	}

	// Higher priority than the lowest queued entry: displaces it.
	pm.TriggerWithPriority(0, onePage(400), 9, time.Second)
	if length := pm.QueueLength(); length != 2 {
		t.Fatalf("queue length %d exceeds maximum 2", length)
	}
	if req := pm.next(); req.Priority != 9 {
		t.Errorf("expected the displacing request first, got priority %d", req.Priority)
	}
	if req := pm.next(); req.Priority != 8 {
		t.Errorf("expected priority 8 to survive, got %d", req.Priority)
	}
}

func TestPrefetchClearQueue(t *testing.T) {
	c, _ := newTestCache(t, 16)
	pm := NewPrefetchManager(c, 16, 0)

	pm.TriggerWithPriority(0, onePage(100), 5, time.Second)
	pm.TriggerWithPriority(0, onePage(200), 8, time.Second)
	pm.ClearQueue()

	if length := pm.QueueLength(); length != 0 {
		t.Errorf("expected empty queue, got length %d", length)
	}
}

func TestPrefetchExpiredRequestSkipped(t *testing.T) {
	c, _ := newTestCache(t, 16)
	ids := createPages(t, c, 4)
	if err := c.FlushAllPages(); err != nil {
		t.Fatal(err)
	}
	// Drop the residents so an executed prefetch would be observable.
	if err := c.ResizeSection(c.DefaultSectionID(), 8*testPageSize); err != nil {
		t.Fatal(err)
	}

	pm := NewPrefetchManager(c, 16, 0)
	pm.TriggerWithPriority(c.DefaultSectionID(), ids, 5, -time.Second)

	req := pm.next()
	if req == nil {
		t.Fatal("expected a queued request")
	}
	pm.execute(req)

	if got := c.Size(); got != 0 {
		t.Errorf("expired request must not load pages, %d resident", got)
	}
}

package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/logger"
)

// PrefetchRequest is one grouped hint: a batch of page ids bound for a
// single section.
type PrefetchRequest struct {
	SectionID basic.SectionID
	PageIDs   []basic.PageID
	Priority  int
	Deadline  time.Time
}

// PrefetchManager drains a bounded priority queue of prefetch hints with
// a small pool of worker goroutines. Enqueueing never blocks the caller;
// when the queue is full the lowest-priority request is discarded.
type PrefetchManager struct {
	cache        *SectionedCache
	mu           sync.Mutex
	queue        *list.List
	maxQueueSize int
	workers      int
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

const defaultPrefetchPriority = 5

// NewPrefetchManager starts the worker pool.
func NewPrefetchManager(cache *SectionedCache, maxQueueSize, workers int) *PrefetchManager {
	pm := &PrefetchManager{
		cache:        cache,
		queue:        list.New(),
		maxQueueSize: maxQueueSize,
		workers:      workers,
		stopCh:       make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		pm.wg.Add(1)
		go pm.worker()
	}
	return pm
}

// Trigger enqueues a batch for one section with the default priority.
func (pm *PrefetchManager) Trigger(section basic.SectionID, ids []basic.PageID) {
	pm.TriggerWithPriority(section, ids, defaultPrefetchPriority, time.Second*5)
}

// TriggerWithPriority enqueues a batch with an explicit priority and
// lifetime. Requests past their deadline are dropped by the workers.
func (pm *PrefetchManager) TriggerWithPriority(section basic.SectionID, ids []basic.PageID, priority int, lifetime time.Duration) {
	request := &PrefetchRequest{
		SectionID: section,
		PageIDs:   ids,
		Priority:  priority,
		Deadline:  time.Now().Add(lifetime),
	}
	pm.add(request)
}

func (pm *PrefetchManager) add(request *PrefetchRequest) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.queue.Len() >= pm.maxQueueSize {
		// Queue full: make room by discarding the lowest-priority entry,
		// or drop the new request if nothing queued is lower.
		var lowest *list.Element
		for e := pm.queue.Front(); e != nil; e = e.Next() {
			if lowest == nil || e.Value.(*PrefetchRequest).Priority < lowest.Value.(*PrefetchRequest).Priority {
				lowest = e
			}
		}
		if lowest != nil && request.Priority > lowest.Value.(*PrefetchRequest).Priority {
			pm.queue.Remove(lowest)
		} else {
			return
		}
	}

	// Keep the queue ordered by priority, highest first.
	for e := pm.queue.Front(); e != nil; e = e.Next() {
		if request.Priority > e.Value.(*PrefetchRequest).Priority {
			pm.queue.InsertBefore(request, e)
			return
		}
	}
	pm.queue.PushBack(request)
}

func (pm *PrefetchManager) next() *PrefetchRequest {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	front := pm.queue.Front()
	if front == nil {
		return nil
	}
	pm.queue.Remove(front)
	return front.Value.(*PrefetchRequest)
}

func (pm *PrefetchManager) worker() {
	defer pm.wg.Done()

	for {
		request := pm.next()
		if request == nil {
			select {
			case <-pm.stopCh:
				return
			case <-time.After(time.Millisecond * 20):
			}
			continue
		}
		select {
		case <-pm.stopCh:
			return
		default:
		}
		pm.execute(request)
	}
}

// execute loads the batch into its section. Failures are dropped; the
// eventual real fetch will count the miss.
func (pm *PrefetchManager) execute(request *PrefetchRequest) {
	if time.Now().After(request.Deadline) {
		return
	}

	sec, ok := pm.cache.section(request.SectionID)
	if !ok {
		return
	}
	for _, id := range request.PageIDs {
		if err := sec.Prefetch(id); err != nil {
			logger.Debugf("prefetch of page %d into section %d failed: %v", id, request.SectionID, err)
		}
	}
}

// QueueLength returns the number of queued requests.
func (pm *PrefetchManager) QueueLength() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.queue.Len()
}

// ClearQueue discards all queued requests.
func (pm *PrefetchManager) ClearQueue() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.queue.Init()
}

// Stop shuts the workers down and waits for them to exit.
func (pm *PrefetchManager) Stop() {
	close(pm.stopCh)
	pm.wg.Wait()
}

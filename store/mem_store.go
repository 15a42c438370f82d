package store

import (
	"sync"

	"github.com/farmem/bptcache/basic"

	"github.com/juju/errors"
)

// MemStore is a map-backed BackingStore used by tests and benchmarks. It
// honors the same id discipline as HeapFile and can simulate far-memory
// latency.
type MemStore struct {
	mu       sync.Mutex
	pageSize int
	pages    map[basic.PageID][]byte
	nextID   basic.PageID
	latency  *LatencySimulator

	reads  uint64
	writes uint64
}

// NewMemStore builds an empty in-memory store.
func NewMemStore(pageSize int) *MemStore {
	return &MemStore{
		pageSize: pageSize,
		pages:    make(map[basic.PageID][]byte),
		nextID:   basic.MetaPageID + 1,
		latency:  NewLatencySimulator(0, 0),
	}
}

// SetLatency configures the simulated access latency.
func (ms *MemStore) SetLatency(baseLatencyUs, jitterUs int) {
	ms.latency.Configure(baseLatencyUs, jitterUs)
}

// Allocate reserves a fresh zero-filled page.
func (ms *MemStore) Allocate() (basic.PageID, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	id := ms.nextID
	ms.nextID++
	ms.pages[id] = make([]byte, ms.pageSize)
	return id, nil
}

// Read copies the stored page content into buf.
func (ms *MemStore) Read(id basic.PageID, buf []byte) error {
	ms.latency.Simulate()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	content, ok := ms.pages[id]
	if !ok {
		return errors.Annotatef(basic.ErrPageNotFound, "page %d", id)
	}
	ms.reads++
	copy(buf, content)
	return nil
}

// Write stores a copy of buf. The metadata page id is writable without a
// prior Allocate.
func (ms *MemStore) Write(id basic.PageID, buf []byte) error {
	ms.latency.Simulate()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if id == basic.InvalidPageID {
		return errors.Annotatef(basic.ErrPageNotFound, "page id %d is invalid", id)
	}
	if id != basic.MetaPageID {
		if _, ok := ms.pages[id]; !ok {
			return errors.Annotatef(basic.ErrPageNotFound, "page %d was never allocated", id)
		}
	}
	content := make([]byte, ms.pageSize)
	copy(content, buf)
	ms.pages[id] = content
	ms.writes++
	return nil
}

// PageSize returns the fixed page size.
func (ms *MemStore) PageSize() int {
	return ms.pageSize
}

// Close is a no-op for the in-memory store.
func (ms *MemStore) Close() error {
	return nil
}

// Snapshot returns a copy of a stored page, or nil if absent. Test helper.
func (ms *MemStore) Snapshot(id basic.PageID) []byte {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	content, ok := ms.pages[id]
	if !ok {
		return nil
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out
}

// Counters returns the number of completed reads and writes. Test helper.
func (ms *MemStore) Counters() (reads, writes uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.reads, ms.writes
}

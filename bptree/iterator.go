package bptree

// Iterator walks pairs in key order, reading one leaf batch at a time.
// When a batch is exhausted and a continuation key exists, the next batch
// is pulled and the search paths for the upcoming batches are prefetched.
// Iterators compare against the end state via End(), not against each
// other.
type Iterator struct {
	tree    *Tree
	keyBuf  []uint64
	valBuf  []uint64
	idx     int
	nextKey *uint64
	ended   bool
	err     error
}

// Begin returns an iterator positioned at the smallest key.
func (t *Tree) Begin() *Iterator {
	return t.BeginAt(0)
}

// BeginAt returns an iterator positioned at the first key not less than
// key.
func (t *Tree) BeginAt(key uint64) *Iterator {
	it := &Iterator{tree: t}

	keys, values, nextKey, err := t.collectValues(key)
	if err != nil {
		it.ended = true
		it.err = err
		return it
	}
	it.keyBuf = keys
	it.valBuf = values
	it.nextKey = nextKey
	it.idx = lowerBound(keys, key)

	// The covering leaf may end before key; skip ahead batch by batch.
	for !it.ended && it.idx >= len(it.keyBuf) {
		it.nextBatch()
	}
	return it
}

// End reports whether the iterator ran off the last pair.
func (it *Iterator) End() bool {
	return it.ended
}

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Key returns the current key. Only valid while !End().
func (it *Iterator) Key() uint64 {
	return it.keyBuf[it.idx]
}

// Value returns the current value. Only valid while !End().
func (it *Iterator) Value() uint64 {
	return it.valBuf[it.idx]
}

// Next advances to the following pair.
func (it *Iterator) Next() {
	if it.ended {
		return
	}
	it.idx++
	for !it.ended && it.idx >= len(it.keyBuf) {
		it.nextBatch()
	}
}

// nextBatch loads the leaf holding the continuation key and hints the
// cache about the descent for the batch after it.
func (it *Iterator) nextBatch() {
	if it.nextKey == nil {
		it.ended = true
		return
	}

	key := *it.nextKey
	keys, values, nextKey, err := it.tree.collectValues(key)
	if err != nil {
		it.ended = true
		it.err = err
		return
	}
	it.keyBuf = keys
	it.valBuf = values
	it.nextKey = nextKey
	it.idx = lowerBound(keys, key)

	if it.nextKey != nil {
		// Warm the path for the next batch, and look a stride ahead for
		// long scans.
		it.tree.PrefetchSearchPath(*it.nextKey)
		it.tree.PrefetchSearchPath(*it.nextKey + iteratorPrefetchStride)
	}
}

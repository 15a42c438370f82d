package bptree

import (
	"sync"
	"sync/atomic"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/cache"
	"github.com/farmem/bptcache/util"

	"github.com/pkg/errors"
)

const (
	metaPageMagic = 0x00C0FFEE

	// How far ahead of the current batch the iterator prefetches.
	iteratorPrefetchStride = 100
)

// Tree is a disk-format B+ tree with uint64 keys and values, living
// entirely inside the sectioned page cache. It keeps a light in-memory
// mirror of inner-node shapes so the search-path prefetcher can descend
// without touching the cache.
type Tree struct {
	mu       sync.RWMutex
	cache    *cache.SectionedCache
	rootPID  basic.PageID
	numPairs uint64
	leafCap  int
	innerCap int

	shapeMu sync.RWMutex
	shapes  map[basic.PageID]*nodeShape
}

// nodeShape is the prefetcher's view of an inner node: separator keys and
// child page ids, nothing else.
type nodeShape struct {
	keys     []uint64
	children []basic.PageID
}

// NewTree opens the tree stored behind pc, creating an empty one when the
// metadata page does not exist yet.
func NewTree(pc *cache.SectionedCache) (*Tree, error) {
	t := &Tree{
		cache:    pc,
		leafCap:  leafCapacity(pc.PageSize()),
		innerCap: innerCapacity(pc.PageSize()),
		shapes:   make(map[basic.PageID]*nodeShape),
	}
	if t.leafCap < 2 || t.innerCap < 2 {
		return nil, errors.Errorf("page size %d too small for tree nodes", pc.PageSize())
	}

	ok, err := t.readMetadata()
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := t.create(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// create initializes the metadata page and an empty root leaf.
func (t *Tree) create() error {
	metaPage, metaGuard, err := t.cache.NewPage()
	if err != nil {
		return errors.Wrap(err, "create tree metadata page")
	}
	metaPID := metaPage.ID()
	// Dirty from birth: the reserved metadata id has no store record yet,
	// so an early eviction must write it back rather than drop it.
	t.cache.UnpinPage(metaPage, true)
	metaGuard.Release()
	if metaPID != basic.MetaPageID {
		return errors.Errorf("metadata page got id %d, want %d", metaPID, basic.MetaPageID)
	}

	rootPID, err := t.newNodePage()
	if err != nil {
		return errors.Wrap(err, "create tree root")
	}
	root := &node{pid: rootPID, leaf: true}
	if err := t.writeNode(root); err != nil {
		return err
	}

	t.rootPID = rootPID
	atomic.StoreUint64(&t.numPairs, 0)
	return t.writeMetadata()
}

// Size returns the number of stored pairs.
func (t *Tree) Size() uint64 {
	return atomic.LoadUint64(&t.numPairs)
}

// Root returns the current root page id.
func (t *Tree) Root() basic.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPID
}

// Close persists the metadata.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeMetadata()
}

// metadata layout: | magic(4) | root page id(4) | pair count(4) |
func (t *Tree) readMetadata() (bool, error) {
	page, guard, err := t.cache.FetchPage(basic.MetaPageID)
	if err != nil {
		if cache.IsNotFound(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "read tree metadata")
	}

	buf := guard.Buffer()
	magic := util.ReadUB4(buf, 0)
	rootPID := basic.PageID(util.ReadUB4(buf, 4))
	pairs := util.ReadUB4(buf, 8)
	t.cache.UnpinPage(page, false)
	guard.Release()

	if magic != metaPageMagic || rootPID == basic.InvalidPageID {
		return false, nil
	}

	t.rootPID = rootPID
	atomic.StoreUint64(&t.numPairs, uint64(pairs))
	return true, nil
}

func (t *Tree) writeMetadata() error {
	page, guard, err := t.cache.FetchPage(basic.MetaPageID)
	if err != nil {
		return errors.Wrap(err, "write tree metadata")
	}

	guard.Upgrade()
	buf := guard.Buffer()
	util.PutUB4(buf, 0, metaPageMagic)
	util.PutUB4(buf, 4, uint32(t.rootPID))
	util.PutUB4(buf, 8, uint32(atomic.LoadUint64(&t.numPairs)))
	guard.Downgrade()

	t.cache.UnpinPage(page, true)
	guard.Release()
	return nil
}

// readNode fetches and deserializes one node. Inner-node shapes feed the
// prefetcher mirror as a side effect.
func (t *Tree) readNode(pid basic.PageID) (*node, error) {
	page, guard, err := t.cache.FetchPage(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "read tree node %d", pid)
	}

	n, derr := deserializeNode(pid, guard.Buffer())
	t.cache.UnpinPage(page, false)
	guard.Release()
	if derr != nil {
		return nil, derr
	}

	if !n.leaf {
		t.rememberShape(n)
	}
	return n, nil
}

// writeNode serializes a node into its page.
func (t *Tree) writeNode(n *node) error {
	page, guard, err := t.cache.FetchPage(n.pid)
	if err != nil {
		return errors.Wrapf(err, "write tree node %d", n.pid)
	}

	guard.Upgrade()
	n.serialize(guard.Buffer())
	guard.Downgrade()

	t.cache.UnpinPage(page, true)
	guard.Release()

	if !n.leaf {
		t.rememberShape(n)
	}
	return nil
}

// newNodePage allocates a fresh page for a node.
func (t *Tree) newNodePage() (basic.PageID, error) {
	page, guard, err := t.cache.NewPage()
	if err != nil {
		return basic.InvalidPageID, err
	}
	pid := page.ID()
	t.cache.UnpinPage(page, false)
	guard.Release()
	return pid, nil
}

func (t *Tree) rememberShape(n *node) {
	shape := &nodeShape{
		keys:     append([]uint64(nil), n.keys...),
		children: append([]basic.PageID(nil), n.children...),
	}
	t.shapeMu.Lock()
	t.shapes[n.pid] = shape
	t.shapeMu.Unlock()
}

// pathEntry records one inner node visited on the way down.
type pathEntry struct {
	n        *node
	childIdx int
}

// Insert stores a key/value pair. Duplicate keys are allowed.
func (t *Tree) Insert(key, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.readNode(t.rootPID)
	if err != nil {
		return err
	}

	var path []pathEntry
	for !n.leaf {
		idx := upperBound(n.keys, key)
		path = append(path, pathEntry{n: n, childIdx: idx})
		if n, err = t.readNode(n.children[idx]); err != nil {
			return err
		}
	}

	pos := upperBound(n.keys, key)
	n.keys = append(n.keys, 0)
	n.values = append(n.values, 0)
	copy(n.keys[pos+1:], n.keys[pos:])
	copy(n.values[pos+1:], n.values[pos:])
	n.keys[pos] = key
	n.values[pos] = value

	if len(n.keys) <= t.leafCap {
		if err := t.writeNode(n); err != nil {
			return err
		}
	} else {
		if err := t.splitLeaf(n, path); err != nil {
			return err
		}
	}

	atomic.AddUint64(&t.numPairs, 1)
	return t.writeMetadata()
}

// splitLeaf halves an overflowing leaf and pushes the separator up.
func (t *Tree) splitLeaf(leaf *node, path []pathEntry) error {
	mid := len(leaf.keys) / 2
	rightPID, err := t.newNodePage()
	if err != nil {
		return err
	}

	right := &node{
		pid:    rightPID,
		leaf:   true,
		keys:   append([]uint64(nil), leaf.keys[mid:]...),
		values: append([]uint64(nil), leaf.values[mid:]...),
	}
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]

	if err := t.writeNode(leaf); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	return t.insertIntoParent(path, right.keys[0], leaf.pid, rightPID)
}

// insertIntoParent threads a new separator and right child up the path,
// splitting inner nodes as needed.
func (t *Tree) insertIntoParent(path []pathEntry, sep uint64, leftPID, rightPID basic.PageID) error {
	if len(path) == 0 {
		rootPID, err := t.newNodePage()
		if err != nil {
			return err
		}
		root := &node{
			pid:      rootPID,
			keys:     []uint64{sep},
			children: []basic.PageID{leftPID, rightPID},
		}
		if err := t.writeNode(root); err != nil {
			return err
		}
		t.rootPID = rootPID
		return nil
	}

	entry := path[len(path)-1]
	parent := entry.n
	idx := entry.childIdx

	parent.keys = append(parent.keys, 0)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = sep

	parent.children = append(parent.children, 0)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = rightPID

	if len(parent.keys) <= t.innerCap {
		return t.writeNode(parent)
	}

	// Inner split promotes the middle separator instead of copying it.
	mid := len(parent.keys) / 2
	upKey := parent.keys[mid]

	newRightPID, err := t.newNodePage()
	if err != nil {
		return err
	}
	right := &node{
		pid:      newRightPID,
		keys:     append([]uint64(nil), parent.keys[mid+1:]...),
		children: append([]basic.PageID(nil), parent.children[mid+1:]...),
	}
	parent.keys = parent.keys[:mid]
	parent.children = parent.children[:mid+1]

	if err := t.writeNode(parent); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	return t.insertIntoParent(path[:len(path)-1], upKey, parent.pid, newRightPID)
}

// GetValue returns the values stored under key in the leaf covering it.
// When a leaf split has cut a run of equal keys, the part of the run left
// in the preceding leaf is not returned; the iterator does reach it.
func (t *Tree) GetValue(key uint64) ([]uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, _, err := t.descend(key)
	if err != nil {
		return nil, err
	}

	var values []uint64
	for i := lowerBound(leaf.keys, key); i < len(leaf.keys) && leaf.keys[i] == key; i++ {
		values = append(values, leaf.values[i])
	}
	return values, nil
}

// descend walks from the root to the leaf covering key. The returned
// nextKey is the smallest separator bounding the leaf from above, nil when
// the leaf is rightmost.
func (t *Tree) descend(key uint64) (*node, *uint64, error) {
	n, err := t.readNode(t.rootPID)
	if err != nil {
		return nil, nil, err
	}

	var nextKey *uint64
	for !n.leaf {
		idx := upperBound(n.keys, key)
		if idx < len(n.keys) {
			bound := n.keys[idx]
			nextKey = &bound
		}
		if n, err = t.readNode(n.children[idx]); err != nil {
			return nil, nil, err
		}
	}
	return n, nextKey, nil
}

// collectValues returns the pairs of the leaf covering key together with
// the continuation key for the next leaf.
func (t *Tree) collectValues(key uint64) (keys, values []uint64, nextKey *uint64, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, nextKey, err := t.descend(key)
	if err != nil {
		return nil, nil, nil, err
	}
	return leaf.keys, leaf.values, nextKey, nil
}

// PrefetchSearchPath walks the probable root-to-leaf path for key over the
// in-memory inner-node mirror and hints the cache about every child it
// crosses, plus the immediate siblings of each step. The walk stops at the
// first child whose shape is not locally known; it never touches the
// backing store itself.
func (t *Tree) PrefetchSearchPath(key uint64) {
	t.mu.RLock()
	pid := t.rootPID
	t.mu.RUnlock()

	var ids []basic.PageID

	t.shapeMu.RLock()
	for {
		shape, ok := t.shapes[pid]
		if !ok {
			break
		}
		idx := upperBound(shape.keys, key)

		// Every visited node plus the chosen child and its siblings.
		ids = append(ids, pid)
		ids = append(ids, shape.children[idx])
		if idx > 0 {
			ids = append(ids, shape.children[idx-1])
		}
		if idx+1 < len(shape.children) {
			ids = append(ids, shape.children[idx+1])
		}

		pid = shape.children[idx]
	}
	t.shapeMu.RUnlock()

	if len(ids) > 0 {
		t.cache.PrefetchPages(ids)
	}
}

package bptree

import (
	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/util"

	"github.com/pkg/errors"
)

const (
	innerTag = 1
	leafTag  = 2

	// node layout: tag(4) + key count(4) + payload
	nodeHeaderSize = 8
)

// node is the in-memory form of one tree page. Leaves hold key/value
// pairs; inner nodes hold separator keys and child page ids, with
// len(children) == len(keys)+1.
type node struct {
	pid      basic.PageID
	leaf     bool
	keys     []uint64
	values   []uint64
	children []basic.PageID
}

// leafCapacity returns how many pairs fit in one page.
func leafCapacity(pageSize int) int {
	return (pageSize - nodeHeaderSize) / 16
}

// innerCapacity returns how many separator keys fit in one page.
func innerCapacity(pageSize int) int {
	return (pageSize - nodeHeaderSize - 4) / 12
}

// serialize writes the node into a page buffer.
func (n *node) serialize(buf []byte) {
	tag := uint32(innerTag)
	if n.leaf {
		tag = leafTag
	}
	util.PutUB4(buf, 0, tag)
	util.PutUB4(buf, 4, uint32(len(n.keys)))

	off := nodeHeaderSize
	if n.leaf {
		for i := range n.keys {
			util.PutUB8(buf, off, n.keys[i])
			util.PutUB8(buf, off+8, n.values[i])
			off += 16
		}
		return
	}

	for _, key := range n.keys {
		util.PutUB8(buf, off, key)
		off += 8
	}
	for _, child := range n.children {
		util.PutUB4(buf, off, uint32(child))
		off += 4
	}
}

// deserializeNode parses a page buffer into a node.
func deserializeNode(pid basic.PageID, buf []byte) (*node, error) {
	if len(buf) < nodeHeaderSize {
		return nil, errors.Errorf("page %d too small for a tree node", pid)
	}

	tag := util.ReadUB4(buf, 0)
	count := int(util.ReadUB4(buf, 4))

	n := &node{pid: pid}
	switch tag {
	case leafTag:
		n.leaf = true
		if nodeHeaderSize+count*16 > len(buf) {
			return nil, errors.Errorf("leaf page %d claims %d pairs", pid, count)
		}
		n.keys = make([]uint64, count)
		n.values = make([]uint64, count)
		off := nodeHeaderSize
		for i := 0; i < count; i++ {
			n.keys[i] = util.ReadUB8(buf, off)
			n.values[i] = util.ReadUB8(buf, off+8)
			off += 16
		}
	case innerTag:
		if nodeHeaderSize+count*12+4 > len(buf) {
			return nil, errors.Errorf("inner page %d claims %d keys", pid, count)
		}
		n.keys = make([]uint64, count)
		n.children = make([]basic.PageID, count+1)
		off := nodeHeaderSize
		for i := 0; i < count; i++ {
			n.keys[i] = util.ReadUB8(buf, off)
			off += 8
		}
		for i := 0; i <= count; i++ {
			n.children[i] = basic.PageID(util.ReadUB4(buf, off))
			off += 4
		}
	default:
		return nil, errors.Errorf("page %d has unknown node tag %d", pid, tag)
	}
	return n, nil
}

// upperBound returns the index of the first key greater than key.
func upperBound(keys []uint64, key uint64) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// lowerBound returns the index of the first key not less than key.
func lowerBound(keys []uint64, key uint64) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

package store

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/util"

	"github.com/golang/snappy"
	"github.com/juju/errors"
)

const (
	heapFileMagic = 0x48454150 // "HEAP"

	headerSize = 16 // magic(4) + page_size(4) + num_pages(4) + flags(4)

	flagChecksum    = 1 << 0
	flagCompression = 1 << 1

	// On-disk slot layout: payload_len(4) + checksum(8) + payload.
	// payload_len == 0 marks a slot that was never written.
	slotHeaderSize = 12
)

// HeapFileConfig controls the on-disk format and the simulated latency of
// a HeapFile.
type HeapFileConfig struct {
	Path          string
	Create        bool
	PageSize      int
	Checksum      bool
	Compression   bool
	BaseLatencyUs int
	JitterUs      int
}

// HeapFile is a page-granular heap file acting as the slow backing store.
// Page slots are fixed-size on disk; each slot carries a small header with
// the payload length and an xxhash checksum. Payloads may be stored
// snappy-compressed when that actually shrinks them.
type HeapFile struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	slotSize int
	flags    uint32
	numPages uint32 // highest allocated page id
	latency  *LatencySimulator
}

// OpenHeapFile opens or creates a heap file.
func OpenHeapFile(config HeapFileConfig) (*HeapFile, error) {
	hf := &HeapFile{
		path:     config.Path,
		pageSize: config.PageSize,
		slotSize: slotHeaderSize + config.PageSize,
		latency:  NewLatencySimulator(config.BaseLatencyUs, config.JitterUs),
	}
	if config.Checksum {
		hf.flags |= flagChecksum
	}
	if config.Compression {
		hf.flags |= flagCompression
	}

	if config.Create {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, errors.Annotate(err, "create heap file directory")
		}
		f, err := os.OpenFile(config.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, errors.Annotate(err, "create heap file")
		}
		hf.file = f
		hf.numPages = uint32(basic.MetaPageID) // ids 0 and 1 are reserved
		if err := hf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return hf, nil
	}

	f, err := os.OpenFile(config.Path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotate(err, "open heap file")
	}
	hf.file = f
	if err := hf.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return hf, nil
}

func (hf *HeapFile) writeHeader() error {
	buf := make([]byte, 0, headerSize)
	buf = util.WriteUB4(buf, heapFileMagic)
	buf = util.WriteUB4(buf, uint32(hf.pageSize))
	buf = util.WriteUB4(buf, hf.numPages)
	buf = util.WriteUB4(buf, hf.flags)
	if _, err := hf.file.WriteAt(buf, 0); err != nil {
		return errors.Annotate(basic.ErrIO, err.Error())
	}
	return nil
}

func (hf *HeapFile) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := hf.file.ReadAt(buf, 0); err != nil {
		return errors.Annotate(basic.ErrIO, err.Error())
	}
	if util.ReadUB4(buf, 0) != heapFileMagic {
		return errors.Errorf("%s is not a heap file", hf.path)
	}
	hf.pageSize = int(util.ReadUB4(buf, 4))
	hf.slotSize = slotHeaderSize + hf.pageSize
	hf.numPages = util.ReadUB4(buf, 8)
	hf.flags = util.ReadUB4(buf, 12)
	return nil
}

func (hf *HeapFile) slotOffset(id basic.PageID) int64 {
	return headerSize + int64(id-1)*int64(hf.slotSize)
}

// Allocate reserves and zero-initializes a fresh page slot.
func (hf *HeapFile) Allocate() (basic.PageID, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	id := basic.PageID(hf.numPages + 1)
	hf.numPages++
	if err := hf.writeSlot(id, make([]byte, hf.pageSize)); err != nil {
		hf.numPages--
		return basic.InvalidPageID, err
	}
	if err := hf.writeHeader(); err != nil {
		return basic.InvalidPageID, err
	}
	return id, nil
}

// Read fills buf with the page content, verifying the checksum and
// decompressing as needed. Simulates the far-memory round trip first.
func (hf *HeapFile) Read(id basic.PageID, buf []byte) error {
	hf.latency.Simulate()

	hf.mu.Lock()
	defer hf.mu.Unlock()

	if id == basic.InvalidPageID {
		return errors.Annotatef(basic.ErrPageNotFound, "page id %d is invalid", id)
	}
	if uint32(id) > hf.numPages {
		return errors.Annotatef(basic.ErrPageNotFound, "page id %d > %d allocated pages", id, hf.numPages)
	}

	slot := make([]byte, hf.slotSize)
	n, err := hf.file.ReadAt(slot, hf.slotOffset(id))
	if err != nil && err != io.EOF {
		return errors.Annotate(basic.ErrIO, err.Error())
	}
	if n < slotHeaderSize {
		// A short read here means the slot was never materialized on disk.
		return errors.Annotatef(basic.ErrPageNotFound, "page %d has no on-disk slot", id)
	}

	payloadLen := int(util.ReadUB4(slot, 0))
	if payloadLen == 0 {
		return errors.Annotatef(basic.ErrPageNotFound, "page %d was never written", id)
	}
	if payloadLen > hf.pageSize {
		return errors.Annotatef(basic.ErrPageCorrupted, "page %d payload length %d", id, payloadLen)
	}
	payload := slot[slotHeaderSize : slotHeaderSize+payloadLen]

	if hf.flags&flagChecksum != 0 {
		stored := util.ReadUB8(slot, 4)
		if util.HashCode(payload) != stored {
			return errors.Annotatef(basic.ErrPageCorrupted, "page %d checksum mismatch", id)
		}
	}

	if hf.flags&flagCompression != 0 && payloadLen < hf.pageSize {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil || len(decoded) != hf.pageSize {
			return errors.Annotatef(basic.ErrPageCorrupted, "page %d failed to decompress", id)
		}
		copy(buf, decoded)
		return nil
	}

	copy(buf, payload)
	return nil
}

// Write persists the page content. The metadata page id is writable even
// before any Allocate call.
func (hf *HeapFile) Write(id basic.PageID, buf []byte) error {
	hf.latency.Simulate()

	hf.mu.Lock()
	defer hf.mu.Unlock()

	if id == basic.InvalidPageID {
		return errors.Annotatef(basic.ErrPageNotFound, "page id %d is invalid", id)
	}
	if uint32(id) > hf.numPages {
		return errors.Annotatef(basic.ErrPageNotFound, "page id %d > %d allocated pages", id, hf.numPages)
	}
	return hf.writeSlot(id, buf)
}

func (hf *HeapFile) writeSlot(id basic.PageID, content []byte) error {
	payload := content
	if hf.flags&flagCompression != 0 {
		encoded := snappy.Encode(nil, content)
		// Keep the raw bytes when compression does not pay off; the
		// payload length disambiguates on read.
		if len(encoded) < hf.pageSize {
			payload = encoded
		}
	}

	slot := make([]byte, 0, slotHeaderSize+len(payload))
	slot = util.WriteUB4(slot, uint32(len(payload)))
	if hf.flags&flagChecksum != 0 {
		slot = util.WriteUB8(slot, util.HashCode(payload))
	} else {
		slot = util.WriteUB8(slot, 0)
	}
	slot = util.WriteBytes(slot, payload)

	if _, err := hf.file.WriteAt(slot, hf.slotOffset(id)); err != nil {
		return errors.Annotate(basic.ErrIO, err.Error())
	}
	return nil
}

// PageSize returns the fixed page size.
func (hf *HeapFile) PageSize() int {
	return hf.pageSize
}

// NumPages returns the highest allocated page id.
func (hf *HeapFile) NumPages() uint32 {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.numPages
}

// Close flushes the header and closes the file.
func (hf *HeapFile) Close() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if err := hf.writeHeader(); err != nil {
		hf.file.Close()
		return err
	}
	return hf.file.Close()
}

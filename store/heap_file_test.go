package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func openTestHeap(t *testing.T, config HeapFileConfig) *HeapFile {
	t.Helper()
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "heap.db")
	}
	if config.PageSize == 0 {
		config.PageSize = testPageSize
	}
	hf, err := OpenHeapFile(config)
	require.NoError(t, err)
	t.Cleanup(func() { hf.Close() })
	return hf
}

func TestHeapFileAllocateSequence(t *testing.T) {
	hf := openTestHeap(t, HeapFileConfig{Create: true, Checksum: true})

	id, err := hf.Allocate()
	require.NoError(t, err)
	assert.Equal(t, basic.PageID(2), id, "first allocated id must be 2")

	id, err = hf.Allocate()
	require.NoError(t, err)
	assert.Equal(t, basic.PageID(3), id)
}

func TestHeapFileRoundTrip(t *testing.T) {
	hf := openTestHeap(t, HeapFileConfig{Create: true, Checksum: true})

	id, err := hf.Allocate()
	require.NoError(t, err)

	content := make([]byte, testPageSize)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, hf.Write(id, content))

	got := make([]byte, testPageSize)
	require.NoError(t, hf.Read(id, got))
	assert.Equal(t, content, got)
}

func TestHeapFileMetadataPageWritableWithoutAllocate(t *testing.T) {
	hf := openTestHeap(t, HeapFileConfig{Create: true, Checksum: true})

	// The reserved metadata page has no record until written.
	buf := make([]byte, testPageSize)
	err := hf.Read(basic.MetaPageID, buf)
	assert.True(t, basic.IsPageNotFound(err), "got %v", err)

	content := make([]byte, testPageSize)
	util.PutUB4(content, 0, 0x00C0FFEE)
	require.NoError(t, hf.Write(basic.MetaPageID, content))
	require.NoError(t, hf.Read(basic.MetaPageID, buf))
	assert.Equal(t, uint32(0x00C0FFEE), util.ReadUB4(buf, 0))
}

func TestHeapFileNotFound(t *testing.T) {
	hf := openTestHeap(t, HeapFileConfig{Create: true, Checksum: true})

	buf := make([]byte, testPageSize)
	err := hf.Read(99, buf)
	assert.True(t, basic.IsPageNotFound(err), "got %v", err)

	err = hf.Read(basic.InvalidPageID, buf)
	assert.True(t, basic.IsPageNotFound(err), "got %v", err)

	err = hf.Write(99, buf)
	assert.True(t, basic.IsPageNotFound(err), "got %v", err)
}

func TestHeapFileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.db")

	hf, err := OpenHeapFile(HeapFileConfig{Path: path, Create: true, PageSize: testPageSize, Checksum: true})
	require.NoError(t, err)

	id, err := hf.Allocate()
	require.NoError(t, err)
	content := make([]byte, testPageSize)
	util.PutUB8(content, 0, 31337)
	require.NoError(t, hf.Write(id, content))
	require.NoError(t, hf.Close())

	hf, err = OpenHeapFile(HeapFileConfig{Path: path, Create: false})
	require.NoError(t, err)
	defer hf.Close()

	assert.Equal(t, testPageSize, hf.PageSize())

	got := make([]byte, testPageSize)
	require.NoError(t, hf.Read(id, got))
	assert.Equal(t, uint64(31337), util.ReadUB8(got, 0))

	// The allocator picks up where it left off.
	next, err := hf.Allocate()
	require.NoError(t, err)
	assert.Equal(t, id+1, next)
}

func TestHeapFileChecksumDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.db")
	hf, err := OpenHeapFile(HeapFileConfig{Path: path, Create: true, PageSize: testPageSize, Checksum: true})
	require.NoError(t, err)

	id, err := hf.Allocate()
	require.NoError(t, err)
	content := make([]byte, testPageSize)
	for i := range content {
		content[i] = 0xAB
	}
	require.NoError(t, hf.Write(id, content))
	require.NoError(t, hf.Close())

	// Flip one payload byte on disk.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	offset := int64(headerSize) + int64(id-1)*int64(slotHeaderSize+testPageSize) + slotHeaderSize + 100
	_, err = f.WriteAt([]byte{0xCD}, offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	hf, err = OpenHeapFile(HeapFileConfig{Path: path, Create: false})
	require.NoError(t, err)
	defer hf.Close()

	buf := make([]byte, testPageSize)
	err = hf.Read(id, buf)
	require.Error(t, err)
	assert.True(t, basic.IsPageCorrupted(err), "got %v", err)
}

func TestHeapFileCompressionRoundTrip(t *testing.T) {
	hf := openTestHeap(t, HeapFileConfig{Create: true, Checksum: true, Compression: true})

	id, err := hf.Allocate()
	require.NoError(t, err)

	// Highly compressible content.
	content := make([]byte, testPageSize)
	for i := range content {
		content[i] = byte(i / 512)
	}
	require.NoError(t, hf.Write(id, content))

	got := make([]byte, testPageSize)
	require.NoError(t, hf.Read(id, got))
	assert.Equal(t, content, got)
}

func TestMemStoreRoundTrip(t *testing.T) {
	ms := NewMemStore(testPageSize)

	id, err := ms.Allocate()
	require.NoError(t, err)
	assert.Equal(t, basic.PageID(2), id)

	content := make([]byte, testPageSize)
	util.PutUB8(content, 0, 99)
	require.NoError(t, ms.Write(id, content))

	got := make([]byte, testPageSize)
	require.NoError(t, ms.Read(id, got))
	assert.Equal(t, uint64(99), util.ReadUB8(got, 0))

	err = ms.Read(77, got)
	assert.True(t, basic.IsPageNotFound(err), "got %v", err)
}

package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCfgDefaults(t *testing.T) {
	cfg := NewCfg()
	require.NoError(t, cfg.Load(""))

	assert.Equal(t, 16*1024*1024, cfg.CacheTotalSize)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.True(t, cfg.Checksum)
	assert.False(t, cfg.Compression)
}

func TestCfgLoadIni(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bptcache.ini")
	content := `
[cache]
total_size = 1048576
page_size = 8192
prefetch_workers = 8

[store]
heap_file_path = /tmp/test-heap.db
compression = true
base_latency_us = 150
jitter_us = 20

[log]
log_level = debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewCfg()
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, 1048576, cfg.CacheTotalSize)
	assert.Equal(t, 8192, cfg.PageSize)
	assert.Equal(t, 8, cfg.PrefetchWorkers)
	assert.Equal(t, "/tmp/test-heap.db", cfg.HeapFilePath)
	assert.True(t, cfg.Compression)
	assert.Equal(t, 150, cfg.BaseLatencyUs)
	assert.Equal(t, 20, cfg.JitterUs)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unlisted keys keep their defaults.
	assert.Equal(t, 64, cfg.PrefetchQueueLen)
}

func TestCfgRejectsBadGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ini")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\ntotal_size = 100\npage_size = 4096\n"), 0644))

	cfg := NewCfg()
	assert.Error(t, cfg.Load(path))
}

package conf

import (
	"fmt"
	"os"

	"github.com/farmem/bptcache/logger"

	"gopkg.in/ini.v1"
)

// Cfg carries the full configuration surface: cache geometry, backing
// store, latency simulation and logging. Values not present in the ini
// file keep the defaults from NewCfg.
type Cfg struct {
	Raw *ini.File

	// cache
	CacheTotalSize  int `default:"16777216"`
	PageSize        int `default:"4096"`
	DefaultLineSize int `default:"4096"`

	// prefetch
	PrefetchWorkers  int `default:"4"`
	PrefetchQueueLen int `default:"64"`

	// backing store
	HeapFilePath string `default:"data/heap.db"`
	Checksum     bool   `default:"true"`
	Compression  bool   `default:"false"`

	// simulated far-memory latency
	BaseLatencyUs int `default:"0"`
	JitterUs      int `default:"0"`

	// logs
	LogPath  string `default:""`
	LogLevel string `default:"info"`
}

// NewCfg returns a Cfg populated with defaults.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		CacheTotalSize:   16 * 1024 * 1024,
		PageSize:         4096,
		DefaultLineSize:  4096,
		PrefetchWorkers:  4,
		PrefetchQueueLen: 64,
		HeapFilePath:     "data/heap.db",
		Checksum:         true,
		Compression:      false,
		BaseLatencyUs:    0,
		JitterUs:         0,
		LogLevel:         "info",
	}
}

// Load reads an ini file into the Cfg. A missing file is not an error;
// the defaults stand.
func (cfg *Cfg) Load(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("config file %s not found, using defaults", path)
		return nil
	}

	raw, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %v", path, err)
	}
	cfg.Raw = raw

	if sec, err := raw.GetSection("cache"); err == nil {
		cfg.CacheTotalSize = sec.Key("total_size").MustInt(cfg.CacheTotalSize)
		cfg.PageSize = sec.Key("page_size").MustInt(cfg.PageSize)
		cfg.DefaultLineSize = sec.Key("default_line_size").MustInt(cfg.DefaultLineSize)
		cfg.PrefetchWorkers = sec.Key("prefetch_workers").MustInt(cfg.PrefetchWorkers)
		cfg.PrefetchQueueLen = sec.Key("prefetch_queue_len").MustInt(cfg.PrefetchQueueLen)
	}

	if sec, err := raw.GetSection("store"); err == nil {
		cfg.HeapFilePath = sec.Key("heap_file_path").MustString(cfg.HeapFilePath)
		cfg.Checksum = sec.Key("checksum").MustBool(cfg.Checksum)
		cfg.Compression = sec.Key("compression").MustBool(cfg.Compression)
		cfg.BaseLatencyUs = sec.Key("base_latency_us").MustInt(cfg.BaseLatencyUs)
		cfg.JitterUs = sec.Key("jitter_us").MustInt(cfg.JitterUs)
	}

	if sec, err := raw.GetSection("log"); err == nil {
		cfg.LogPath = sec.Key("log_path").MustString(cfg.LogPath)
		cfg.LogLevel = sec.Key("log_level").MustString(cfg.LogLevel)
	}

	return cfg.validate()
}

func (cfg *Cfg) validate() error {
	if cfg.PageSize <= 0 {
		return fmt.Errorf("invalid page_size %d", cfg.PageSize)
	}
	if cfg.CacheTotalSize < cfg.PageSize {
		return fmt.Errorf("cache total_size %d smaller than one page", cfg.CacheTotalSize)
	}
	if cfg.DefaultLineSize <= 0 {
		cfg.DefaultLineSize = cfg.PageSize
	}
	return nil
}

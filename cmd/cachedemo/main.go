package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/farmem/bptcache/bptree"
	"github.com/farmem/bptcache/cache"
	"github.com/farmem/bptcache/conf"
	"github.com/farmem/bptcache/logger"
	"github.com/farmem/bptcache/store"
)

func main() {
	configPath := flag.String("config", "", "path to ini config file")
	flag.Parse()

	cfg := conf.NewCfg()
	if err := cfg.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bad config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(logger.LogConfig{LogPath: cfg.LogPath, LogLevel: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	heap, err := store.OpenHeapFile(store.HeapFileConfig{
		Path:          cfg.HeapFilePath,
		Create:        true,
		PageSize:      cfg.PageSize,
		Checksum:      cfg.Checksum,
		Compression:   cfg.Compression,
		BaseLatencyUs: cfg.BaseLatencyUs,
		JitterUs:      cfg.JitterUs,
	})
	if err != nil {
		logger.Errorf("failed to open heap file: %v", err)
		os.Exit(1)
	}
	defer heap.Close()

	pc, err := cache.NewSectionedCache(&cache.CacheConfig{
		TotalSize:        cfg.CacheTotalSize,
		PageSize:         cfg.PageSize,
		DefaultLineSize:  cfg.DefaultLineSize,
		PrefetchWorkers:  cfg.PrefetchWorkers,
		PrefetchQueueLen: cfg.PrefetchQueueLen,
		Store:            heap,
	})
	if err != nil {
		logger.Errorf("failed to build cache: %v", err)
		os.Exit(1)
	}
	defer pc.Close()

	// Split the budget: a direct-mapped section for the sequential leaf
	// range, the fully-associative default for everything else. The
	// default section starts with the whole budget, so shrink it first.
	if err := pc.ResizeSection(pc.DefaultSectionID(), cfg.CacheTotalSize/2); err != nil {
		logger.Errorf("failed to shrink default section: %v", err)
		os.Exit(1)
	}
	leafSection, err := pc.CreateSection(cfg.CacheTotalSize/2, cfg.PageSize, cache.DirectMapped, 1)
	if err != nil {
		logger.Errorf("failed to create leaf section: %v", err)
		os.Exit(1)
	}
	if err := pc.MapPageRangeToSection(1000, 100000, leafSection); err != nil {
		logger.Errorf("failed to map leaf range: %v", err)
		os.Exit(1)
	}

	tree, err := bptree.NewTree(pc)
	if err != nil {
		logger.Errorf("failed to open tree: %v", err)
		os.Exit(1)
	}
	defer tree.Close()

	fmt.Println("=== Sectioned page cache demo ===")

	const pairs = 50000
	fmt.Printf("\n1. Inserting %d sequential pairs...\n", pairs)
	for key := uint64(0); key < pairs; key++ {
		if err := tree.Insert(key, key*2); err != nil {
			logger.Errorf("insert of key %d failed: %v", key, err)
			os.Exit(1)
		}
	}

	fmt.Println("\n2. Point lookups with a warm search path...")
	pc.ResetAllStats()
	for _, key := range []uint64{17, 4096, 25000, 49999} {
		tree.PrefetchSearchPath(key)
		values, err := tree.GetValue(key)
		if err != nil {
			logger.Errorf("lookup of key %d failed: %v", key, err)
			os.Exit(1)
		}
		fmt.Printf("   key %d -> %v\n", key, values)
	}

	fmt.Println("\n3. Range scan over the full key space...")
	count := 0
	for it := tree.Begin(); !it.End(); it.Next() {
		count++
	}
	fmt.Printf("   scanned %d pairs\n", count)

	fmt.Println("\n4. Per-section stats:")
	printStats(pc)

	fmt.Println("\n5. Rebalancing section sizes by miss rate...")
	pc.OptimizeSectionSizes()
	printStats(pc)

	fmt.Println("\n=== done ===")
}

func printStats(pc *cache.SectionedCache) {
	for _, s := range pc.GetAllSectionStats() {
		fmt.Printf("   section %d: %8d bytes, %7d accesses, %7d hits, %7d misses, miss rate %.3f\n",
			s.SectionID, s.SizeBytes, s.Accesses, s.Hits, s.Misses, s.MissRate())
	}
}

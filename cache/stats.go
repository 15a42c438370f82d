package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/farmem/bptcache/basic"
)

// SectionStats is a point-in-time snapshot of one section's counters.
type SectionStats struct {
	SectionID basic.SectionID
	SizeBytes int
	LineSize  int

	Accesses uint64
	Hits     uint64
	Misses   uint64

	AvgHitTimeMs  float64
	AvgMissTimeMs float64
}

// HitRate returns hits/accesses in [0, 1].
func (s SectionStats) HitRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Accesses)
}

// MissRate returns misses/accesses in [0, 1].
func (s SectionStats) MissRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Misses) / float64(s.Accesses)
}

// sectionStats accumulates counters. Hit/miss counts are atomic; the
// running latency averages are guarded by the mutex.
type sectionStats struct {
	accesses uint64
	hits     uint64
	misses   uint64

	mu        sync.Mutex
	avgHitMs  float64
	avgMissMs float64
}

func (s *sectionStats) recordHit(elapsed time.Duration) {
	atomic.AddUint64(&s.accesses, 1)
	hits := atomic.AddUint64(&s.hits, 1)

	ms := float64(elapsed.Nanoseconds()) / 1e6
	s.mu.Lock()
	s.avgHitMs = (s.avgHitMs*float64(hits-1) + ms) / float64(hits)
	s.mu.Unlock()
}

func (s *sectionStats) recordMiss() {
	atomic.AddUint64(&s.accesses, 1)
	atomic.AddUint64(&s.misses, 1)
}

// observeMissTime folds a completed miss load time into the average. The
// miss itself was already counted by recordMiss.
func (s *sectionStats) observeMissTime(elapsed time.Duration) {
	misses := atomic.LoadUint64(&s.misses)
	if misses == 0 {
		return
	}
	ms := float64(elapsed.Nanoseconds()) / 1e6
	s.mu.Lock()
	s.avgMissMs = (s.avgMissMs*float64(misses-1) + ms) / float64(misses)
	s.mu.Unlock()
}

func (s *sectionStats) snapshot() SectionStats {
	s.mu.Lock()
	avgHit, avgMiss := s.avgHitMs, s.avgMissMs
	s.mu.Unlock()

	return SectionStats{
		Accesses:      atomic.LoadUint64(&s.accesses),
		Hits:          atomic.LoadUint64(&s.hits),
		Misses:        atomic.LoadUint64(&s.misses),
		AvgHitTimeMs:  avgHit,
		AvgMissTimeMs: avgMiss,
	}
}

func (s *sectionStats) reset() {
	atomic.StoreUint64(&s.accesses, 0)
	atomic.StoreUint64(&s.hits, 0)
	atomic.StoreUint64(&s.misses, 0)
	s.mu.Lock()
	s.avgHitMs = 0
	s.avgMissMs = 0
	s.mu.Unlock()
}

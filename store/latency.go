package store

import (
	"math/rand"
	"sync"
	"time"
)

// LatencySimulator injects an artificial delay in front of every backing
// store access, modeling the round trip to far memory. Zero base latency
// and zero jitter disable it.
type LatencySimulator struct {
	mu          sync.Mutex
	baseLatency time.Duration
	jitter      time.Duration
	rng         *rand.Rand
}

// NewLatencySimulator builds a simulator with the given base latency and
// jitter, both in microseconds.
func NewLatencySimulator(baseLatencyUs, jitterUs int) *LatencySimulator {
	return &LatencySimulator{
		baseLatency: time.Duration(baseLatencyUs) * time.Microsecond,
		jitter:      time.Duration(jitterUs) * time.Microsecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Configure replaces the latency parameters.
func (ls *LatencySimulator) Configure(baseLatencyUs, jitterUs int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.baseLatency = time.Duration(baseLatencyUs) * time.Microsecond
	ls.jitter = time.Duration(jitterUs) * time.Microsecond
}

// Simulate sleeps for base latency plus uniform jitter in [-jitter, jitter].
func (ls *LatencySimulator) Simulate() {
	ls.mu.Lock()
	delay := ls.baseLatency
	if ls.jitter > 0 {
		delay += time.Duration(ls.rng.Int63n(int64(2*ls.jitter))) - ls.jitter
	}
	ls.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
}

package cache

import (
	"sort"

	"github.com/farmem/bptcache/basic"
	"github.com/farmem/bptcache/logger"
)

// sizeTarget is one section's planned size after optimization.
type sizeTarget struct {
	id       basic.SectionID
	missRate float64
	lineSize int
	current  int
	target   int
}

// OptimizeSectionSizes rebalances the byte budget across sections in
// proportion to their miss rates: sections that miss often grow, sections
// that never miss shed capacity down to a floor of two lines. Targets are
// computed under the engine lock and applied after releasing it, so the
// individual resizes interleave with regular traffic.
func (c *SectionedCache) OptimizeSectionSizes() {
	c.mu.Lock()

	if len(c.sections) <= 1 {
		c.mu.Unlock()
		return
	}

	targets := make([]sizeTarget, 0, len(c.sections))
	totalBudget := c.availSize
	totalMisses := uint64(0)
	totalWeight := 0.0

	for id, sec := range c.sections {
		stats := sec.Stats()
		totalMisses += stats.Misses
		totalWeight += stats.MissRate()
		totalBudget += stats.SizeBytes
		targets = append(targets, sizeTarget{
			id:       id,
			missRate: stats.MissRate(),
			lineSize: stats.LineSize,
			current:  stats.SizeBytes,
		})
	}
	c.mu.Unlock()

	if totalMisses == 0 || totalWeight <= 0 {
		return
	}

	// Proportional targets, floored at two lines so every section stays
	// functional.
	sum := 0
	for i := range targets {
		t := int(targets[i].missRate / totalWeight * float64(totalBudget))
		if floor := 2 * targets[i].lineSize; t < floor {
			t = floor
		}
		targets[i].target = t
		sum += t
	}

	// Flooring may push the plan over budget; reclaim the excess from the
	// sections that miss the least.
	if sum > totalBudget {
		sort.Slice(targets, func(i, j int) bool { return targets[i].missRate < targets[j].missRate })
		excess := sum - totalBudget
		for i := range targets {
			if excess == 0 {
				break
			}
			floor := 2 * targets[i].lineSize
			room := targets[i].target - floor
			if room <= 0 {
				continue
			}
			cut := room
			if cut > excess {
				cut = excess
			}
			targets[i].target -= cut
			excess -= cut
		}
		if excess > 0 {
			logger.Warnf("size optimization over budget by %d bytes after reclaim", excess)
			return
		}
	} else if sum < totalBudget {
		// Leftover bytes go to the hungriest section.
		hungriest := 0
		for i := range targets {
			if targets[i].missRate > targets[hungriest].missRate {
				hungriest = i
			}
		}
		targets[hungriest].target += totalBudget - sum
	}

	// Apply shrinks before grows so the freed bytes are available when the
	// growing sections claim them; within each group, biggest delta first.
	shrinks := make([]sizeTarget, 0, len(targets))
	grows := make([]sizeTarget, 0, len(targets))
	for _, t := range targets {
		switch {
		case t.target < t.current:
			shrinks = append(shrinks, t)
		case t.target > t.current:
			grows = append(grows, t)
		}
	}
	sort.Slice(shrinks, func(i, j int) bool {
		return shrinks[i].current-shrinks[i].target > shrinks[j].current-shrinks[j].target
	})
	sort.Slice(grows, func(i, j int) bool {
		return grows[i].target-grows[i].current > grows[j].target-grows[j].current
	})

	for _, t := range append(shrinks, grows...) {
		if err := c.ResizeSection(t.id, t.target); err != nil {
			logger.Debugf("size optimization: resize of section %d skipped: %v", t.id, err)
		}
	}
}

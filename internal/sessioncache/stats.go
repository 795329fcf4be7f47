package sessioncache

import "sync/atomic"

type counters struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	sets         atomic.Uint64
	rejections   atomic.Uint64
	compressions atomic.Uint64
	errors       atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Sets:         c.sets.Load(),
		Rejections:   c.rejections.Load(),
		Compressions: c.compressions.Load(),
		Errors:       c.errors.Load(),
	}
}

package formcache

import (
	"log/slog"
	"sync/atomic"
)

// Stats tallies lookups over the process lifetime. A nil *Stats ignores updates.
type Stats struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) record(hit bool) {
	if s == nil {
		return
	}
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
}

func (s *Stats) Snapshot() (hits, misses uint64) {
	if s == nil {
		return 0, 0
	}
	return s.hits.Load(), s.misses.Load()
}

// HitRatio is zero before the first lookup.
func (s *Stats) HitRatio() float64 {
	hits, misses := s.Snapshot()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (s *Stats) LogValue() slog.Value {
	hits, misses := s.Snapshot()
	return slog.GroupValue(
		slog.Uint64("hits", hits),
		slog.Uint64("misses", misses),
		slog.Float64("hit_ratio", s.HitRatio()),
	)
}

package metrics

import (
	"math"
	"sync"
)

// SamplingObserver forwards the first event of every name and then one in
// every 1/rate, counted per name so rare events are never starved by chatty
// ones.
type SamplingObserver struct {
	inner Observer
	every uint64

	mu     sync.Mutex
	counts map[string]uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Max(1, math.Round(1/rate)))
	}
	return &SamplingObserver{inner: inner, every: every, counts: make(map[string]uint64)}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	switch s.every {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
		return
	}
	s.mu.Lock()
	n := s.counts[ev.Name]
	s.counts[ev.Name] = n + 1
	s.mu.Unlock()
	if n%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}

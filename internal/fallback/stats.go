package fallback

import (
	"math"
	"sync/atomic"
)

// statsCollector aggregates resolutions since startup.
type statsCollector struct {
	network atomic.Uint64
	cache   atomic.Uint64
	queue   atomic.Uint64
	errors  atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(strategy Strategy, respBytes int) {
	switch strategy {
	case StrategyNetwork:
		s.network.Add(1)
	case StrategyCache:
		s.cache.Add(1)
	case StrategyQueue:
		s.queue.Add(1)
	default:
		s.errors.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Network uint64
	Cache   uint64
	Queue   uint64
	Errors  uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsSnapshot) Total() uint64 { return s.Network + s.Cache + s.Queue + s.Errors }

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Network: s.network.Load(),
		Cache:   s.cache.Load(),
		Queue:   s.queue.Load(),
		Errors:  s.errors.Load(),
	}
	count := out.Total()
	if count == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}

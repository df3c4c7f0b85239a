package fallback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(StrategyNetwork, 100)
	s.Observe(StrategyCache, 300)
	s.Observe(StrategyQueue, 20)
	s.Observe(StrategyError, 80)

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Network)
	assert.Equal(t, uint64(1), snap.Cache)
	assert.Equal(t, uint64(1), snap.Queue)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, uint64(4), snap.Total())
	assert.Equal(t, uint64(20), snap.MinRespBytes)
	assert.Equal(t, uint64(300), snap.MaxRespBytes)
	assert.Equal(t, uint64(125), snap.AvgRespBytes)
}

package cache

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersHitRate(t *testing.T) {
	assert.Zero(t, Counters{}.HitRate())
	assert.InDelta(t, 0.75, Counters{Hits: 3, Misses: 1}.HitRate(), 1e-9)
}

func TestStatsCollectorExport(t *testing.T) {
	c := NewStatsCollector()
	c.Hit()
	c.Hit()
	c.Miss()
	c.Write()
	c.Delete()

	assert.Equal(t, Counters{Hits: 2, Misses: 1, Writes: 1, Deletes: 1}, c.Snapshot())
	assert.Equal(t, 5, testutil.CollectAndCount(c))

	expected := `
# HELP tagcache_hits_total Cache reads that returned a live record.
# TYPE tagcache_hits_total counter
tagcache_hits_total 2
# HELP tagcache_misses_total Cache reads that found no usable record.
# TYPE tagcache_misses_total counter
tagcache_misses_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"tagcache_hits_total", "tagcache_misses_total"))

	c.Reset()
	assert.Equal(t, Counters{}, c.Snapshot())
}

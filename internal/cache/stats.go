package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters 是进程内计数器的快照。计数不持久化，也不跨进程聚合。
type Counters struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Writes  uint64 `json:"writes"`
	Deletes uint64 `json:"deletes"`
}

// HitRate returns hits/(hits+misses), or 0 without any reads.
func (c Counters) HitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) / float64(total)
}

// StatsCollector counts store outcomes for the lifetime of one Store. It also
// satisfies prometheus.Collector.
type StatsCollector struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64

	hitsDesc    *prometheus.Desc
	missesDesc  *prometheus.Desc
	writesDesc  *prometheus.Desc
	deletesDesc *prometheus.Desc
	rateDesc    *prometheus.Desc
}

// NewStatsCollector returns a zeroed collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		hitsDesc:    prometheus.NewDesc("tagcache_hits_total", "Cache reads that returned a live record.", nil, nil),
		missesDesc:  prometheus.NewDesc("tagcache_misses_total", "Cache reads that found no usable record.", nil, nil),
		writesDesc:  prometheus.NewDesc("tagcache_writes_total", "Successful cache writes.", nil, nil),
		deletesDesc: prometheus.NewDesc("tagcache_deletes_total", "Successful cache deletes.", nil, nil),
		rateDesc:    prometheus.NewDesc("tagcache_hit_rate", "hits/(hits+misses) since process start or last clear.", nil, nil),
	}
}

func (s *StatsCollector) Hit()    { s.hits.Add(1) }
func (s *StatsCollector) Miss()   { s.misses.Add(1) }
func (s *StatsCollector) Write()  { s.writes.Add(1) }
func (s *StatsCollector) Delete() { s.deletes.Add(1) }

// Reset zeroes every counter.
func (s *StatsCollector) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.writes.Store(0)
	s.deletes.Store(0)
}

// Snapshot returns the current counter values.
func (s *StatsCollector) Snapshot() Counters {
	return Counters{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Writes:  s.writes.Load(),
		Deletes: s.deletes.Load(),
	}
}

// Describe implements prometheus.Collector.
func (s *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.hitsDesc
	ch <- s.missesDesc
	ch <- s.writesDesc
	ch <- s.deletesDesc
	ch <- s.rateDesc
}

// Collect implements prometheus.Collector.
func (s *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	c := s.Snapshot()
	ch <- prometheus.MustNewConstMetric(s.hitsDesc, prometheus.CounterValue, float64(c.Hits))
	ch <- prometheus.MustNewConstMetric(s.missesDesc, prometheus.CounterValue, float64(c.Misses))
	ch <- prometheus.MustNewConstMetric(s.writesDesc, prometheus.CounterValue, float64(c.Writes))
	ch <- prometheus.MustNewConstMetric(s.deletesDesc, prometheus.CounterValue, float64(c.Deletes))
	ch <- prometheus.MustNewConstMetric(s.rateDesc, prometheus.GaugeValue, c.HitRate())
}

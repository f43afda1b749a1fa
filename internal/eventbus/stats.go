package eventbus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// busStats accumulates the counters and latency samples exposed by
// GetStats (spec §4.1 "get_stats — current queue depths, throughput,
// latency histogram, dropped counts").
type busStats struct {
	published      atomic.Int64
	delivered      atomic.Int64
	handlerErrors  atomic.Int64
	panics         atomic.Int64
	droppedQueueFull   atomic.Int64
	droppedBreakerOpen atomic.Int64
	droppedValidation  atomic.Int64
	droppedFiltered    atomic.Int64

	latMu      sync.Mutex
	latencies  []int64
	latencyCap int
}

func newBusStats(latencyCap int) *busStats {
	if latencyCap <= 0 {
		latencyCap = 10000
	}
	return &busStats{latencyCap: latencyCap}
}

func (s *busStats) recordPublish()     { s.published.Add(1) }
func (s *busStats) recordDelivered()   { s.delivered.Add(1) }
func (s *busStats) recordHandlerError() { s.handlerErrors.Add(1) }
func (s *busStats) recordPanic()       { s.panics.Add(1) }

func (s *busStats) recordDrop(reason string) {
	switch reason {
	case reasonQueueFull:
		s.droppedQueueFull.Add(1)
	case reasonBreakerOpen:
		s.droppedBreakerOpen.Add(1)
	case reasonValidation:
		s.droppedValidation.Add(1)
	case reasonFiltered:
		s.droppedFiltered.Add(1)
	}
}

func (s *busStats) recordLatency(d time.Duration) {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	s.latencies = append(s.latencies, d.Nanoseconds())
	if len(s.latencies) > s.latencyCap {
		s.latencies = s.latencies[len(s.latencies)-s.latencyCap:]
	}
}

func (s *busStats) p99() time.Duration {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]int64(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// ShardStats is the queue-depth snapshot of a single shard.
type ShardStats struct {
	Index        int
	UrgentDepth  int
	NormalDepth  int
}

// Stats is the snapshot returned by Bus.GetStats.
type Stats struct {
	Published          int64
	Delivered          int64
	HandlerErrors      int64
	Panics             int64
	DroppedQueueFull   int64
	DroppedBreakerOpen int64
	DroppedValidation  int64
	DroppedFiltered    int64
	P99Latency         time.Duration
	BatchSize          int
	Shards             []ShardStats
}

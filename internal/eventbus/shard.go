package eventbus

import (
	"hash/fnv"

	"github.com/atlas-desktop/tradecore/pkg/types"
)

// shard is one of N independent urgent/normal queue pairs. Events are
// partitioned across shards by hash(trace id), so events sharing a trace
// id always land on the same shard and are totally ordered relative to
// each other; across shards there is no ordering guarantee (spec §4.1,
// §5).
type shard struct {
	idx           int
	urgent        chan *types.Event
	normal        chan *types.Event
	highWaterMark int
}

func newShard(idx, highWaterMark, hardCeiling int) *shard {
	return &shard{
		idx:           idx,
		urgent:        make(chan *types.Event, hardCeiling),
		normal:        make(chan *types.Event, hardCeiling),
		highWaterMark: highWaterMark,
	}
}

// dropReason values recorded alongside an admission refusal.
const (
	reasonQueueFull   = "queue-full"
	reasonBreakerOpen = "breaker-open"
	reasonValidation  = "validation-failed"
	reasonFiltered    = "filtered"
)

// enqueue admits e into the appropriate queue. Urgent events are admitted
// until the queue's hard ceiling (its channel capacity); non-urgent events
// are refused once the queue's high-water mark is reached, even though
// headroom remains up to the ceiling — that headroom is reserved for
// urgent traffic.
func (s *shard) enqueue(e *types.Event) (admitted bool, reason string) {
	if e.IsUrgent() {
		select {
		case s.urgent <- e:
			return true, ""
		default:
			return false, reasonQueueFull
		}
	}
	if len(s.normal) >= s.highWaterMark {
		return false, reasonQueueFull
	}
	select {
	case s.normal <- e:
		return true, ""
	default:
		return false, reasonQueueFull
	}
}

func (s *shard) depth() (urgent, normal int) {
	return len(s.urgent), len(s.normal)
}

// shardIndex hashes a trace id into [0, n).
func shardIndex(traceID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	return int(h.Sum32()) % n
}

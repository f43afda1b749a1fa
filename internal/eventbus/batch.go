package eventbus

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// batchController adapts the dispatcher's effective batch size between
// min and max to track a target throughput (spec §4.1: "a controller
// samples observed throughput every 1s and moves batch size between 50
// and 1000 to track a configured target rate"). The size doubles as the
// burst allowance of a rate.Limiter used to pace non-urgent dispatch: at
// low load the limiter never blocks; as throughput approaches the target
// it smooths bursts down toward the target rate.
type batchController struct {
	limiter *rate.Limiter

	min, max, target int
	interval         time.Duration

	current   int32
	processed int64
	lastSample time.Time
}

func newBatchController(target, min, max int, interval time.Duration) *batchController {
	if min <= 0 {
		min = 50
	}
	if max <= 0 {
		max = 1000
	}
	if target <= 0 {
		target = 10000
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &batchController{
		limiter:    rate.NewLimiter(rate.Limit(target), max),
		min:        min,
		max:        max,
		target:     target,
		interval:   interval,
		current:    int32(max),
		lastSample: time.Now(),
	}
}

// recordDispatch counts one dispatched event toward the next sample.
func (b *batchController) recordDispatch() {
	atomic.AddInt64(&b.processed, 1)
}

// CurrentSize is the controller's current batch-size estimate.
func (b *batchController) CurrentSize() int {
	return int(atomic.LoadInt32(&b.current))
}

// Wait blocks until the pacing limiter admits one more non-urgent
// dispatch. Urgent events never pass through here.
func (b *batchController) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// run re-samples throughput every interval and nudges the batch size (and
// the limiter's burst) toward the target rate until stop fires.
func (b *batchController) run(stop <-chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.sample()
		}
	}
}

func (b *batchController) sample() {
	processed := atomic.SwapInt64(&b.processed, 0)
	now := time.Now()
	elapsed := now.Sub(b.lastSample).Seconds()
	b.lastSample = now
	if elapsed <= 0 {
		return
	}
	observed := float64(processed) / elapsed
	cur := int(atomic.LoadInt32(&b.current))
	step := (b.max-b.min)/10 + 1
	switch {
	case observed < float64(b.target)*0.8 && cur < b.max:
		cur += step
	case observed > float64(b.target)*1.1 && cur > b.min:
		cur -= step
	}
	if cur < b.min {
		cur = b.min
	}
	if cur > b.max {
		cur = b.max
	}
	atomic.StoreInt32(&b.current, int32(cur))
	b.limiter.SetBurst(cur)
}

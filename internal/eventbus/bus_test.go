package eventbus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/internal/eventbus"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"go.uber.org/zap"
)

func testConfig() eventbus.Config {
	cfg := eventbus.DefaultConfig()
	cfg.ShardCount = 2
	cfg.QueueHighWaterMark = 4
	cfg.QueueHardCeiling = 8
	cfg.HandlerTimeout = time.Second
	cfg.BatchSampleInterval = 50 * time.Millisecond
	cfg.IOWorkers = 2
	cfg.CPUWorkers = 2
	return cfg
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := eventbus.New(testConfig(), zap.NewNop())
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop()

	var got atomic.Int32
	done := make(chan struct{})
	bus.Subscribe(string(types.EventOrderUpdate), func(ctx context.Context, evt types.Event) error {
		got.Add(1)
		close(done)
		return nil
	}, true)

	if !bus.Publish(types.Event{Type: types.EventOrderUpdate, Source: "test"}) {
		t.Fatal("Publish returned false")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	if got.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", got.Load())
	}
}

func TestGlobSubscriptionMatch(t *testing.T) {
	bus := eventbus.New(testConfig(), zap.NewNop())
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	bus.Subscribe("market.*", func(ctx context.Context, evt types.Event) error {
		count.Add(1)
		wg.Done()
		return nil
	}, true)

	bus.Publish(types.Event{Type: "market.tick", Source: "feed"})
	bus.Publish(types.Event{Type: "market.bar", Source: "feed"})

	waitOrTimeout(t, &wg, 2*time.Second)
	if count.Load() != 2 {
		t.Fatalf("expected 2 matched deliveries, got %d", count.Load())
	}
}

func TestUrgentDispatchedBeforeNormalWithinShard(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 1
	bus := eventbus.New(cfg, zap.NewNop())

	var mu sync.Mutex
	var order []int
	block := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	bus.Subscribe(string(types.EventSystem), func(ctx context.Context, evt types.Event) error {
		defer wg.Done()
		p, _ := evt.Payload["n"].(int)
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
		if p == 0 {
			close(block)
			<-release
		}
		return nil
	}, false)

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop()

	bus.Publish(types.Event{Type: types.EventSystem, Priority: 50, Payload: map[string]any{"n": 0}})
	<-block
	bus.Publish(types.Event{Type: types.EventSystem, Priority: 50, Payload: map[string]any{"n": 1}})
	bus.Publish(types.Event{Type: types.EventSystem, Priority: 1, Payload: map[string]any{"n": 2}})
	close(release)

	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected urgent event to jump ahead of the queued normal one, got %v", order)
	}
}

func TestPublishRefusedWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 1
	cfg.QueueHighWaterMark = 1
	cfg.QueueHardCeiling = 1
	bus := eventbus.New(cfg, zap.NewNop())
	// Bus is never started: nothing drains the shard, so the second
	// normal-priority publish must be refused once the high-water mark
	// is reached.

	bus.Subscribe(string(types.EventSystem), func(ctx context.Context, evt types.Event) error { return nil }, true)

	if !bus.Publish(types.Event{Type: types.EventSystem, Priority: 50}) {
		t.Fatal("first publish should have been admitted")
	}
	if bus.Publish(types.Event{Type: types.EventSystem, Priority: 50}) {
		t.Fatal("second publish should have been refused: queue at high-water mark")
	}

	stats := bus.GetStats()
	if stats.DroppedQueueFull != 1 {
		t.Fatalf("expected 1 queue-full drop, got %d", stats.DroppedQueueFull)
	}
}

func TestValidatorRejectsEvent(t *testing.T) {
	bus := eventbus.New(testConfig(), zap.NewNop())
	bus.AddValidator(types.EventOrderUpdate, func(evt types.Event) error {
		return errValidation
	})

	if bus.Publish(types.Event{Type: types.EventOrderUpdate}) {
		t.Fatal("expected validator to reject the event")
	}
	if bus.GetStats().DroppedValidation != 1 {
		t.Fatal("expected a recorded validation drop")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	bus := eventbus.New(testConfig(), zap.NewNop())
	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := bus.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := bus.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := eventbus.New(testConfig(), zap.NewNop())
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop()

	done := make(chan struct{})
	bus.Subscribe(string(types.EventError), func(ctx context.Context, evt types.Event) error {
		defer close(done)
		panic("boom")
	}, true)

	bus.Publish(types.Event{Type: types.EventError})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(50 * time.Millisecond)
	if bus.GetStats().Panics != 1 {
		t.Fatalf("expected 1 recorded panic, got %d", bus.GetStats().Panics)
	}
}

func TestPublishSyncWaitsForHandlers(t *testing.T) {
	bus := eventbus.New(testConfig(), zap.NewNop())
	var done atomic.Bool
	bus.Subscribe(string(types.EventTradeFill), func(ctx context.Context, evt types.Event) error {
		time.Sleep(10 * time.Millisecond)
		done.Store(true)
		return nil
	}, true)

	bus.PublishSync(types.Event{Type: types.EventTradeFill})
	if !done.Load() {
		t.Fatal("PublishSync returned before its handler finished")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for expected deliveries")
	}
}

var errValidation = validationError("invalid event")

type validationError string

func (e validationError) Error() string { return string(e) }

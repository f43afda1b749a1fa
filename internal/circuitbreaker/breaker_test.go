package circuitbreaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/internal/circuitbreaker"
	"go.uber.org/zap"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cfg := circuitbreaker.Config{
		Name:              "test",
		Threshold:         3,
		RecoveryTime:      50 * time.Millisecond,
		HalfOpenSuccesses: 1,
	}
	b := circuitbreaker.New(cfg, zap.NewNop())

	failing := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.CallVoid(func() error { return failing })
		if !errors.Is(err, failing) {
			t.Fatalf("attempt %d: expected underlying error, got %v", i, err)
		}
	}

	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected state open after %d failures, got %s", cfg.Threshold, b.State())
	}

	if err := b.CallVoid(func() error { return nil }); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen while tripped, got %v", err)
	}
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	cfg := circuitbreaker.Config{
		Name:              "recover",
		Threshold:         1,
		RecoveryTime:      20 * time.Millisecond,
		HalfOpenSuccesses: 1,
	}
	b := circuitbreaker.New(cfg, zap.NewNop())

	if err := b.CallVoid(func() error { return errors.New("fail") }); err == nil {
		t.Fatal("expected failure to trip breaker")
	}
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.CallVoid(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to be admitted after recovery time, got %v", err)
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

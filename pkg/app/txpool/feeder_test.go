package txpool

import (
	"context"
	"testing"
	"time"
)

func TestSyntheticPayloadIsPaddedToSize(t *testing.T) {
	p := syntheticPayload(7, 32)
	if len(p) != 32 {
		t.Fatalf("len = %d, want 32", len(p))
	}
}

func TestSyntheticPayloadTruncatesWhenBodyExceedsSize(t *testing.T) {
	p := syntheticPayload(123456789, 4)
	if len(p) != 4 {
		t.Fatalf("len = %d, want 4", len(p))
	}
}

func TestStartFeederPushesPayloadsIntoPool(t *testing.T) {
	pool := New()
	ctx, cancel := context.WithCancel(context.Background())
	stop := StartFeeder(ctx, pool, FeederConfig{BatchSize: 5, Interval: 5 * time.Millisecond, PayloadSize: 16})
	defer cancel()

	deadline := time.After(2 * time.Second)
	for pool.Len() < 5 {
		select {
		case <-deadline:
			t.Fatal("feeder did not push any payloads within the deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	stop()

	lenAfterStop := pool.Len()
	time.Sleep(50 * time.Millisecond)
	if pool.Len() != lenAfterStop {
		t.Error("feeder kept pushing payloads after being stopped")
	}
}

func TestDefaultFeederConfigIsUsable(t *testing.T) {
	cfg := DefaultFeederConfig()
	if cfg.BatchSize <= 0 || cfg.Interval <= 0 || cfg.PayloadSize <= 0 {
		t.Errorf("default config has a non-positive field: %+v", cfg)
	}
}

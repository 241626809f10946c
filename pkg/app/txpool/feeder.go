package txpool

import (
	"context"
	"fmt"
	"time"
)

// FeederConfig controls synthetic payload generation for devnets
// where no external client is submitting real transactions.
type FeederConfig struct {
	BatchSize int           // payloads generated per tick
	Interval  time.Duration // how often to generate a batch
	PayloadSize int         // bytes per synthetic payload
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{BatchSize: 10, Interval: 100 * time.Millisecond, PayloadSize: 64}
}

// StartFeeder runs a background goroutine that pushes synthetic
// opaque payloads into pool at a steady rate, standing in for a real
// transaction-submission client during local development. Returns a
// cancel function that stops the feeder.
func StartFeeder(ctx context.Context, pool *Pool, cfg FeederConfig) context.CancelFunc {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = 32
	}

	feedCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-feedCtx.Done():
				return
			case <-ticker.C:
				for i := 0; i < cfg.BatchSize; i++ {
					seq++
					pool.PushRaw(syntheticPayload(seq, cfg.PayloadSize))
				}
			}
		}
	}()
	return cancel
}

func syntheticPayload(seq uint64, size int) []byte {
	body := fmt.Sprintf("tx:%d", seq)
	if len(body) >= size {
		return []byte(body[:size])
	}
	padded := make([]byte, size)
	copy(padded, body)
	return padded
}

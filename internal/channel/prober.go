package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"onegate/internal/cache"
)

// DefaultProbeTimeout bounds a single Test round trip.
const DefaultProbeTimeout = 60 * time.Second

// Prober runs adapter Test round trips and feeds the results to the evaluator.
type Prober struct {
	channels  func() []*Channel
	evaluator *Evaluator
	timeout   time.Duration
}

// NewProber creates a prober over the channels returned by source.
func NewProber(source func() []*Channel, evaluator *Evaluator, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{channels: source, evaluator: evaluator, timeout: timeout}
}

// Probe tests one channel and records the result. A channel too busy to be
// tested within the timeout is reported as failed but its health is left
// alone.
func (p *Prober) Probe(ctx context.Context, ch *Channel) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	ok, detail, err := ch.Test(ctx)
	if err != nil {
		slog.Debug("channel probe skipped", "channel", ch.Name(), "error", err)
		return false, err.Error()
	}
	p.evaluator.RecordProbe(ch, ok, detail)

	if ok {
		slog.Debug("channel probe passed", "channel", ch.Name(), "duration", time.Since(start))
	} else {
		slog.Warn("channel probe failed", "channel", ch.Name(), "duration", time.Since(start), "error", detail)
	}
	return ok, detail
}

// ProbeAll tests every enabled channel concurrently and waits for all of them.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range p.channels() {
		if !ch.Enabled() {
			continue
		}
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			p.Probe(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

// StartBackgroundProbing starts a goroutine that periodically probes every
// channel. Returns a cancel function that stops the loop.
func (p *Prober) StartBackgroundProbing(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeAll(ctx)
			}
		}
	}()

	return cancel
}

// LoadHealth restores evaluator health from the cache.
func LoadHealth(ctx context.Context, c cache.Cache, evaluator *Evaluator, channels []*Channel) {
	snap, err := c.Get(ctx)
	if err != nil {
		slog.Warn("failed to load channel health from cache", "error", err)
		return
	}
	if n := evaluator.Restore(snap, channels); n > 0 {
		slog.Info("restored channel health from cache", "channels", n)
	}
}

// StartHealthPersistence periodically writes evaluator health to the cache
// and once more when stopped. A non-positive interval only writes on stop.
// Returns a stop function that blocks until the final write has completed.
func StartHealthPersistence(c cache.Cache, evaluator *Evaluator, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	save := func() {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer saveCancel()
		if err := c.Set(saveCtx, evaluator.Snapshot()); err != nil {
			slog.Warn("failed to save channel health to cache", "error", err)
		}
	}

	go func() {
		defer close(done)
		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				save()
				return
			case <-tick:
				save()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

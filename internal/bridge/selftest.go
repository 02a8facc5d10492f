package bridge

import (
	"context"
	"fmt"
	"time"

	"bridge-dispatch/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// SelfTest probes every registered bridge concurrently, retrying each one
// until it passes. It fails if any bridge is still not ready when timeout
// elapses; the pool stays closed for dispatch in that case.
func (p *Pool) SelfTest(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	if len(slots) == 0 {
		p.logger.Warn("no bridges registered at startup; waiting for discovery")
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		g.Go(func() error {
			return p.testUntilReady(gctx, s)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bridge self-test did not complete within %s: %w", timeout, err)
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()

	p.logger.Info("all bridges passed self-test", "count", len(slots), "elapsed", time.Since(start))
	p.changed()
	return nil
}

func (p *Pool) testUntilReady(ctx context.Context, s *slot) error {
	id := s.bridge.ID()
	logger := p.logger.With("bridge_id", id, "year", s.bridge.Scope())

	p.mu.Lock()
	retry := p.retryInterval
	p.mu.Unlock()

	for attempt := 1; ; attempt++ {
		err := s.bridge.SelfTest(ctx)
		if err == nil {
			p.mu.Lock()
			s.ready = true
			p.mu.Unlock()
			metrics.BridgesReady.WithLabelValues(id, s.bridge.Scope()).Set(1)
			logger.Info("bridge passed self-test", "attempt", attempt)
			return nil
		}
		logger.Warn("bridge self-test failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("bridge %s: %w (last error: %v)", id, ctx.Err(), err)
		case <-time.After(retry):
		}
	}
}

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/correlation"
)

// Sweeper closes sessions that have not sent a liveness signal within the idle timeout.
type Sweeper struct {
	registry    *Registry
	clock       clockwork.Clock
	idleTimeout time.Duration
	interval    time.Duration
	metrics     *metrics.BrokerMetrics
}

func NewSweeper(registry *Registry, clock clockwork.Clock, idleTimeout, interval time.Duration, m *metrics.BrokerMetrics) *Sweeper {
	return &Sweeper{
		registry:    registry,
		clock:       clock,
		idleTimeout: idleTimeout,
		interval:    interval,
		metrics:     m,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Sweep(correlation.WithID(ctx, correlation.NewID()))
		}
	}
}

// Sweep closes every idle session and returns how many it closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.clock.Now().Add(-s.idleTimeout)
	stale := s.registry.Stale(cutoff)

	for _, id := range stale {
		s.registry.Close(ctx, id, domain.CloseIdle)
	}

	if len(stale) > 0 {
		slog.InfoContext(ctx, "Sweeper: closed idle sessions", "count", len(stale), "idle_timeout", s.idleTimeout)
		if s.metrics != nil {
			s.metrics.SweepEvictions.Add(float64(len(stale)))
		}
	}
	return len(stale)
}

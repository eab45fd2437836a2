package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

// Reaper periodically evicts rooms that saw no activity within the timeout.
type Reaper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewReaper creates a reaper scanning every interval for rooms idle longer than timeout.
func NewReaper(registry *Registry, interval, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Reaper {
	return &Reaper{registry: registry, interval: interval, timeout: timeout, metrics: m, log: log}
}

// Run sweeps on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep evicts the stale rooms once and returns how many sessions were closed.
func (r *Reaper) Sweep() int {
	evictions := r.registry.Expire(r.timeout)
	closed := 0
	for _, ev := range evictions {
		r.log.Info().
			Uint("room", ev.roomID).
			Dur("idle", ev.idle).
			Int("members", len(ev.sessions)).
			Msg("room inactive, disconnecting members")
		notice := protocol.Push(protocol.ActionEvicted,
			fmt.Sprintf("Room %d has been inactive for too long. You are being disconnected...", ev.roomID))
		closed += evictSessions(ev.sessions, notice, metrics.ReasonInactive, r.metrics)
	}
	if closed > 0 {
		r.metrics.SessionsJoined.Set(float64(r.registry.Len()))
	}
	return closed
}

// evictSessions closes every session with a farewell notice. It must be called
// without the registry lock held.
func evictSessions(sessions []*clientSession, notice protocol.Response, reason string, m *metrics.Metrics) int {
	closed := 0
	for _, s := range sessions {
		if !s.close(&notice) {
			continue
		}
		s.log.Info().Str("reason", reason).Msg("session evicted")
		m.Evictions.WithLabelValues(reason).Inc()
		closed++
	}
	return closed
}

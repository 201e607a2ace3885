package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// HeartbeatSweeper periodically marks agents with stale heartbeats offline.
type HeartbeatSweeper struct {
	registry *AgentRegistry
	timeout  time.Duration
	schedule cron.Schedule
	now      func() time.Time
}

// NewHeartbeatSweeper parses schedule as a standard cron expression or a
// descriptor such as "@every 30s".
func NewHeartbeatSweeper(registry *AgentRegistry, schedule string, timeout time.Duration) (*HeartbeatSweeper, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("heartbeat timeout must be positive, got %s", timeout)
	}
	return &HeartbeatSweeper{registry: registry, timeout: timeout, schedule: sched, now: time.Now}, nil
}

// Sweep runs one pass and returns the agents taken offline.
func (s *HeartbeatSweeper) Sweep(ctx context.Context) []string {
	return s.registry.SweepStale(ctx, s.now(), s.timeout)
}

// Run sweeps on the schedule until ctx is done, then waits for a running
// sweep to finish.
func (s *HeartbeatSweeper) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if swept := s.Sweep(ctx); len(swept) > 0 {
			slog.Info("stale agents swept", "count", len(swept))
		}
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

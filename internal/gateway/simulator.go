package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lorahub/internal/runner"
	"lorahub/internal/telemetry"
)

// Simulator enqueues a canned reading on every runner at a fixed interval.
type Simulator struct {
	runners  []*runner.Runner
	interval time.Duration
	log      *slog.Logger
}

func NewSimulator(runners []*runner.Runner, interval time.Duration, log *slog.Logger) *Simulator {
	return &Simulator{runners: runners, interval: interval, log: log.With("component", "simulator")}
}

func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Simulator) tick() {
	for _, r := range s.runners {
		err := r.TryEnqueue(telemetry.SampleReading(r.Device().NValves))
		switch {
		case errors.Is(err, runner.ErrQueueFull):
			s.log.Warn("queue full, sample skipped", "event", "simulate", "device_id", r.DeviceID())
		case err != nil:
			s.log.Warn("enqueue failed", "event", "simulate", "device_id", r.DeviceID(), "error_message", err.Error())
		}
	}
}

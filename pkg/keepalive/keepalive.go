// Package keepalive sweeps the configured tool servers on a cron
// schedule, re-fetching each live session's capability set so that
// silent drops surface between invocations instead of during one.
package keepalive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const sweepTimeout = 30 * time.Second

// Pinger is what a sweep needs from the client.
type Pinger interface {
	ServerNames() []string
	Refresh(ctx context.Context, server string) error
}

// Service fires capability refreshes on a cron schedule.
type Service struct {
	pinger   Pinger
	schedule cron.Schedule
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewService parses the cron expression (standard five-field form) and
// builds a stopped service.
func NewService(pinger Pinger, expr string, logger zerolog.Logger) (*Service, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid keepalive schedule %q: %w", expr, err)
	}
	return newServiceWithSchedule(pinger, schedule, logger), nil
}

func newServiceWithSchedule(pinger Pinger, schedule cron.Schedule, logger zerolog.Logger) *Service {
	return &Service{
		pinger:   pinger,
		schedule: schedule,
		logger:   logger,
	}
}

// Start launches the schedule loop. Calling Start twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info().Msg("Keepalive service started")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

// sweep refreshes every configured server once. Failures are logged
// and do not stop the sweep; the client replaces dead sessions on the
// next invocation anyway.
func (s *Service) sweep(ctx context.Context) {
	names := s.pinger.ServerNames()
	failed := 0
	for _, name := range names {
		refreshCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		err := s.pinger.Refresh(refreshCtx, name)
		cancel()
		if err != nil {
			failed++
			s.logger.Warn().Err(err).Str("server", name).Msg("Keepalive refresh failed")
		}
	}
	s.logger.Debug().
		Int("servers", len(names)).
		Int("failed", failed).
		Msg("Keepalive sweep completed")
}

// Stop halts the schedule loop and waits for it to exit. Safe to call
// on a never-started or already-stopped service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cancel()
	<-s.done
	s.logger.Info().Msg("Keepalive service stopped")
}

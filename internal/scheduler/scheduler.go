// Package scheduler runs the periodic intake scan that picks up submissions
// whose webhook delivery never arrived.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"repairline/internal/workflow"
)

type Scanner interface {
	ScanRecent(ctx context.Context, window time.Duration) (workflow.ScanSummary, error)
}

type Scheduler struct {
	scanner Scanner
	window  time.Duration
	timeout time.Duration
	cron    *cron.Cron
	logger  *log.Logger
	mu      sync.Mutex
	last    *workflow.ScanSummary
}

// New builds a scheduler scanning window on each tick. Overlapping ticks are
// skipped while a scan is still running.
func New(scanner Scanner, window time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &Scheduler{
		scanner: scanner,
		window:  window,
		timeout: 30 * time.Minute,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
	}
}

// Start registers schedule (standard cron or a descriptor such as
// "@every 15m") and starts ticking.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		return errors.New("scheduler: empty schedule")
	}
	if _, err := s.cron.AddFunc(schedule, s.runScan); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Dur("window", s.window).Msg("scan scheduler started")
	return nil
}

// Stop halts ticking and waits for a running scan to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info().Msg("scan scheduler stopped")
}

// Last returns the summary of the most recent successful scan.
func (s *Scheduler) Last() (workflow.ScanSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return workflow.ScanSummary{}, false
	}
	return *s.last, true
}

func (s *Scheduler) runScan() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	started := time.Now()
	summary, err := s.scanner.ScanRecent(ctx, s.window)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled scan failed")
		return
	}
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
	s.logger.Info().
		Int("scanned", summary.Scanned).
		Int("accepted", summary.Accepted).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(started)).
		Msg("scheduled scan completed")
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintainer is the store-facing contract the sweeper needs. Satisfied by
// *store.LibSQLStore.
type Maintainer interface {
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// tickInterval is how often the loop checks whether a sweep is due.
const tickInterval = 60 * time.Second

// Sweeper prunes finished workflow runs (with their steps and events) past
// the retention window, on a cron schedule.
type Sweeper struct {
	store     Maintainer
	parser    cron.Parser
	logger    *slog.Logger
	cronExpr  string
	retention time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time

	inflightMu sync.Mutex
	inflight   bool // a sweep is currently executing (dedup)
}

// NewSweeper creates a retention sweeper. cronExpr uses standard 5-field cron
// syntax; retention is how long finished runs are kept.
func NewSweeper(store Maintainer, cronExpr string, retention time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		cronExpr:  cronExpr,
		retention: retention,
	}
}

// Start validates the schedule and launches the background loop with a 60s ticker.
func (s *Sweeper) Start(ctx context.Context) error {
	next, err := s.CalculateNextRun(s.cronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextRun = next
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("retention sweeper started",
		slog.String("schedule", s.cronExpr),
		slog.Duration("retention", s.retention),
		slog.Time("next_run", next))
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs a sweep when the schedule is due.
func (s *Sweeper) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := !s.nextRun.After(now)
	s.mu.Unlock()
	if !due {
		return
	}
	if !s.tryAcquire() {
		return // previous sweep still running
	}
	defer s.release()

	s.Sweep(ctx)

	next, err := s.CalculateNextRun(s.cronExpr, now)
	if err != nil {
		// Validated at Start; reparse failures should not happen.
		s.logger.Error("failed to schedule next sweep", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
}

// Sweep deletes finished runs older than the retention window and compacts
// the database when anything was removed. Also callable on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}
	if n == 0 {
		s.logger.Debug("retention sweep: nothing to prune")
		return
	}
	s.logger.Info("retention sweep pruned runs",
		slog.Int64("runs", n),
		slog.Time("cutoff", cutoff))

	if err := s.store.Vacuum(ctx); err != nil {
		s.logger.Warn("vacuum after sweep failed", slog.String("error", err.Error()))
	}
}

func (s *Sweeper) tryAcquire() bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *Sweeper) release() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight = false
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Sweeper) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("retention sweeper stopped")
	return nil
}

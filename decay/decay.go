// Package decay lowers the trust of accounts that have gone quiet. It runs
// on a fixed interval, independent of request traffic, and takes each
// account's row lock before touching it so it never races a concurrent
// completion or settlement.
//
// Decay is recorded as penalty points in the account's stats, so a later
// recomputation from history keeps it.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"guildhall/account"
	"guildhall/metrics"
)

// Store is what one decay step touches.
type Store interface {
	account.TrustStore
	AddStats(ctx context.Context, accountID string, d account.StatsDelta) error
	// ListDecayCandidates returns ids of accounts with a positive score,
	// last active before inactiveBefore, and not decayed since
	// decayedBefore.
	ListDecayCandidates(ctx context.Context, inactiveBefore, decayedBefore time.Time, limit int) ([]string, error)
	MarkDecayed(ctx context.Context, id string, at time.Time) error
}

// RunInTx runs fn inside one transaction.
type RunInTx func(ctx context.Context, fn func(Store) error) error

// Job is extra periodic work run after each sweep.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	Interval   time.Duration
	Inactivity time.Duration
	Points     int
	BatchSize  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 30 * 24 * time.Hour
	}
	if c.Points <= 0 {
		c.Points = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// Scheduler sweeps inactive accounts.
type Scheduler struct {
	cfg    Config
	inTx   RunInTx
	jobs   []Job
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewScheduler(cfg Config, inTx RunInTx, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		inTx:   inTx,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithJob adds periodic work that shares the sweep cadence.
func (s *Scheduler) WithJob(j Job) *Scheduler {
	s.jobs = append(s.jobs, j)
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("decay scheduler started", "interval", s.cfg.Interval, "inactivity", s.cfg.Inactivity, "points", s.cfg.Points)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("decay scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if n, err := s.Sweep(ctx); err != nil {
		s.logger.Error("decay sweep failed", "decayed", n, "error", err)
	}
	for _, j := range s.jobs {
		if err := j.Run(ctx); err != nil {
			s.logger.Error("periodic job failed", "job", j.Name, "error", err)
		}
	}
}

// Sweep decays every eligible account once and returns how many changed.
// Each account gets its own transaction so one failure does not undo the
// others.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	start := s.now()
	now := start.UTC()
	inactiveBefore := now.Add(-s.cfg.Inactivity)
	// Half an interval of slack absorbs ticker drift without allowing two
	// decays per interval.
	decayedBefore := now.Add(-s.cfg.Interval / 2)

	var ids []string
	err := s.inTx(ctx, func(st Store) error {
		var err error
		ids, err = st.ListDecayCandidates(ctx, inactiveBefore, decayedBefore, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("decay: list candidates: %w", err)
	}

	decayed := 0
	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		changed, err := s.decayOne(ctx, id, now, inactiveBefore, decayedBefore)
		if err != nil {
			s.logger.Warn("decay failed", "accountID", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			decayed++
		}
	}
	metrics.RecordDecaySweep(decayed, time.Since(start).Seconds())
	s.logger.Info("decay sweep finished", "candidates", len(ids), "decayed", decayed)
	return decayed, firstErr
}

func (s *Scheduler) decayOne(ctx context.Context, id string, now, inactiveBefore, decayedBefore time.Time) (bool, error) {
	changed := false
	err := s.inTx(ctx, func(st Store) error {
		acct, err := st.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		// Activity may have landed between listing and locking.
		if !Due(acct, inactiveBefore, decayedBefore) {
			return nil
		}
		note := fmt.Sprintf("inactive since %s", acct.LastActiveAt.Format(time.DateOnly))
		change, err := account.ApplyTrust(ctx, st, id, acct.TrustScore-s.cfg.Points, account.EventDecay, note, s.newID, now)
		if err != nil {
			return err
		}
		lost := change.ScoreBefore - change.ScoreAfter
		if err := st.AddStats(ctx, id, account.StatsDelta{PenaltyPoints: lost}); err != nil {
			return fmt.Errorf("decay: record penalty: %w", err)
		}
		if err := st.MarkDecayed(ctx, id, now); err != nil {
			return fmt.Errorf("decay: mark: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// Due reports whether acct should lose trust in this sweep.
func Due(acct account.Account, inactiveBefore, decayedBefore time.Time) bool {
	if acct.TrustScore <= 0 || !acct.LastActiveAt.Before(inactiveBefore) {
		return false
	}
	return acct.LastDecayAt == nil || acct.LastDecayAt.Before(decayedBefore)
}

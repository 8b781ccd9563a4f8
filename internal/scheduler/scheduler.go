// Package scheduler runs the server's periodic maintenance: expired
// cache sweeps, post-event membership recalculation and, when enabled,
// merge passes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/merge"
	"github.com/iliyamo/checkin-reconciler/internal/membership"
)

// Job is one periodic task.  A job with a non-positive interval never
// runs.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their own tickers.  Runs of the same job never
// overlap; different jobs run concurrently.
type Scheduler struct {
	jobs []Job
	log  *slog.Logger
	wg   sync.WaitGroup
}

// New returns a scheduler for jobs.
func New(log *slog.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{jobs: jobs, log: log}
}

// Start launches every enabled job and returns.  Jobs stop when ctx is
// done; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		if j.Interval <= 0 || j.Run == nil {
			s.log.Info("job disabled", "job", j.Name)
			continue
		}
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	s.log.Info("job started", "job", j.Name, "interval", j.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				s.log.Error("job failed", "job", j.Name, "error", err)
				continue
			}
			s.log.Debug("job finished", "job", j.Name, "took", time.Since(start).String())
		}
	}
}

// Sweeper deletes expired cache entries.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// CacheSweep returns the expired-entry sweep job.
func CacheSweep(store Sweeper, every time.Duration, log *slog.Logger) Job {
	return Job{
		Name:     "cache_sweep",
		Interval: every,
		Run: func(ctx context.Context) error {
			n, err := store.SweepExpired(ctx)
			if err == nil && n > 0 {
				log.Info("expired cache entries removed", "count", n)
			}
			return err
		},
	}
}

// RecentlyEnded recalculates attendees of events that just finished.
type RecentlyEnded interface {
	SweepRecentlyEnded(ctx context.Context) (membership.SweepResult, error)
}

// MembershipSweep returns the post-event recalculation job.
func MembershipSweep(calc RecentlyEnded, every time.Duration, log *slog.Logger) Job {
	return Job{
		Name:     "membership_sweep",
		Interval: every,
		Run: func(ctx context.Context) error {
			res, err := calc.SweepRecentlyEnded(ctx)
			if err == nil && res.Events > 0 {
				log.Info("post-event membership sweep", "events", res.Events, "members", res.Members)
			}
			return err
		},
	}
}

// Merger runs a locked merge pass.
type Merger interface {
	MergeAll(ctx context.Context) (merge.BatchResult, error)
}

// MergePass returns the duplicate-event merge job.
func MergePass(m Merger, every time.Duration) Job {
	return Job{
		Name:     "merge_pass",
		Interval: every,
		Run: func(ctx context.Context) error {
			_, err := m.MergeAll(ctx)
			return err
		},
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/cache"
	"github.com/iliyamo/checkin-reconciler/internal/logging"
	"github.com/iliyamo/checkin-reconciler/internal/membership"
	"github.com/iliyamo/checkin-reconciler/internal/merge"
	"github.com/iliyamo/checkin-reconciler/internal/testutil"
)

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ok, failing, disabled atomic.Int32
	s := New(logging.Discard(),
		Job{Name: "ok", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			if ok.Add(1) == 3 {
				cancel()
			}
			return nil
		}},
		Job{Name: "failing", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("boom")
		}},
		Job{Name: "disabled", Interval: 0, Run: func(context.Context) error {
			disabled.Add(1)
			return nil
		}},
	)
	s.Start(ctx)

	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if ok.Load() < 3 {
		t.Fatalf("ok ran %d times", ok.Load())
	}
	if failing.Load() == 0 {
		t.Fatal("failing job never ran")
	}
	if disabled.Load() != 0 {
		t.Fatal("disabled job ran")
	}
}

func TestCacheSweep(t *testing.T) {
	t.Parallel()
	clk := testutil.NewClock(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	store := cache.NewMemoryStore(clk)
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"), time.Minute)
	_ = store.Set(ctx, "b", []byte("2"), time.Hour)
	clk.Advance(10 * time.Minute)

	if err := CacheSweep(store, time.Hour, logging.Discard()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("entries left = %d, want 1", store.Len())
	}
}

type fakeSweep struct{ calls int }

func (f *fakeSweep) SweepRecentlyEnded(context.Context) (membership.SweepResult, error) {
	f.calls++
	return membership.SweepResult{Events: 1, Members: 2}, nil
}

type fakeMerger struct{ err error }

func (f fakeMerger) MergeAll(context.Context) (merge.BatchResult, error) {
	return merge.BatchResult{LockHeld: true}, f.err
}

func TestJobAdapters(t *testing.T) {
	t.Parallel()
	sw := &fakeSweep{}
	j := MembershipSweep(sw, time.Minute, logging.Discard())
	if j.Name != "membership_sweep" || j.Interval != time.Minute {
		t.Fatalf("job = %+v", j)
	}
	if err := j.Run(context.Background()); err != nil || sw.calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, sw.calls)
	}

	boom := errors.New("db down")
	if err := MergePass(fakeMerger{err: boom}, time.Minute).Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("merge err = %v", err)
	}
}

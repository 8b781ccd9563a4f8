// Command resync runs a full, sequential resync of every live event.
// An interrupted run prints the offset to resume from.
//
//	resync [--offset N] [--force] [--discover] [--merge] [--recalculate]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/iliyamo/checkin-reconciler/internal/app"
	"github.com/iliyamo/checkin-reconciler/internal/config"
	"github.com/iliyamo/checkin-reconciler/internal/logging"
	"github.com/iliyamo/checkin-reconciler/internal/syncer"
)

type options struct {
	offset      int
	force       bool
	discover    bool
	merge       bool
	recalculate bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("resync", pflag.ContinueOnError)
	fs.IntVar(&o.offset, "offset", 0, "skip the first N live events (resume point)")
	fs.BoolVar(&o.force, "force", false, "ignore the freshness cache")
	fs.BoolVar(&o.discover, "discover", false, "create events for new commerce products first")
	fs.BoolVar(&o.merge, "merge", false, "run a merge pass after syncing")
	fs.BoolVar(&o.recalculate, "recalculate", false, "recalculate every member at the end")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.offset < 0 {
		return o, errors.New("--offset must not be negative")
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func run(opts options) int {
	log := logging.New("checkin-resync")
	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup", "error", err)
		return 1
	}
	defer a.Close()

	if opts.discover {
		res, err := a.Syncer.Discover(ctx)
		if err != nil {
			log.Error("discover failed", "error", err)
			return 1
		}
		log.Info("discover finished", "created", len(res.Created), "already_linked", res.Linked, "undated", res.Undated)
	}

	res, err := a.Syncer.SyncAll(ctx, syncer.BatchOptions{
		Offset: opts.offset,
		Force:  opts.force,
		Progress: func(done, total int, r syncer.Result) {
			log.Debug("event done", "offset", done, "total", total, "event_id", r.EventID,
				"synced", r.Synced, "reason", r.Reason)
		},
	})
	log.Info("resync finished",
		"total", res.Total, "processed", res.Processed, "synced", res.Synced, "not_synced", res.NotSynced,
		"failed", res.Failed, "created", res.Created, "updated", res.Updated, "next_offset", res.NextOffset)
	if err != nil {
		log.Error("resync interrupted", "error", err, "resume_with", fmt.Sprintf("--offset %d", res.NextOffset))
		return 1
	}

	if opts.merge {
		mr, err := a.Merge.MergeAll(ctx)
		if err != nil {
			log.Error("merge failed", "error", err)
			return 1
		}
		if mr.LockHeld {
			log.Warn("merge skipped, another pass holds the lock")
		}
	}

	if opts.recalculate {
		sr, err := a.Membership.RecalculateAll(ctx)
		if err != nil {
			log.Error("recalculation failed", "error", err)
			return 1
		}
		log.Info("recalculation finished", "members", sr.Members, "changed", sr.Changed, "failed", sr.Failed)
	}

	if res.Failed > 0 {
		return 3
	}
	return 0
}

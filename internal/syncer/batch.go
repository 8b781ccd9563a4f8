package syncer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
)

// BatchOptions controls SyncAll.
type BatchOptions struct {
	// Offset skips the first Offset live events, so an interrupted run
	// can pick up where it stopped.
	Offset int
	Force  bool
	// Progress, when set, is called after every event.
	Progress func(done, total int, r Result)
}

// BatchResult summarizes a SyncAll run.
type BatchResult struct {
	Total      int      `json:"total"`
	Processed  int      `json:"processed"`
	Synced     int      `json:"synced"`
	NotSynced  int      `json:"not_synced"`
	Failed     int      `json:"failed"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	NextOffset int      `json:"next_offset"`
	Results    []Result `json:"results,omitempty"`
}

// SyncAll syncs every live event, one at a time, starting at opts.Offset.
// A failing event is logged and counted; the run carries on.  When ctx is
// cancelled the run stops and NextOffset says where to resume.
func (o *Orchestrator) SyncAll(ctx context.Context, opts BatchOptions) (BatchResult, error) {
	events, err := o.events.ListLive(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list events: %w", err)
	}
	out := BatchResult{Total: len(events)}
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(events) {
		start = len(events)
	}
	out.NextOffset = start

	for i := start; i < len(events); i++ {
		if err := ctx.Err(); err != nil {
			o.log.Warn("sync run interrupted", "next_offset", i)
			return out, err
		}
		r, err := o.Sync(ctx, events[i].ID, opts.Force)
		out.Processed++
		out.NextOffset = i + 1
		switch {
		case err != nil:
			out.Failed++
			o.log.Error("event sync failed", "event_id", events[i].ID, "offset", i, "error", err)
		case r.Synced:
			out.Synced++
		default:
			out.NotSynced++
		}
		out.Created += r.Created
		out.Updated += r.Updated
		out.Results = append(out.Results, r)

		if opts.Progress != nil {
			opts.Progress(i+1, len(events), r)
		}
		if (i+1-start)%o.progressEvery == 0 {
			o.log.Info("sync checkpoint", "offset", i+1, "total", len(events),
				"synced", out.Synced, "failed", out.Failed)
		}
	}
	return out, nil
}

// DiscoverResult reports the events created by Discover.
type DiscoverResult struct {
	Created []model.Event `json:"created"`
	Linked  int           `json:"already_linked"`
	Undated int           `json:"undated"`
}

// Discover creates an event for every commerce product that no event
// references yet.  Products without a readable event_date are skipped.
func (o *Orchestrator) Discover(ctx context.Context) (DiscoverResult, error) {
	var out DiscoverResult
	products, err := o.shop.ListProducts(ctx)
	if err != nil {
		return out, fmt.Errorf("list products: %w", err)
	}
	used, err := o.events.ProductIDsInUse(ctx)
	if err != nil {
		return out, fmt.Errorf("list product references: %w", err)
	}
	for _, p := range products {
		if used[p.ID] {
			out.Linked++
			continue
		}
		date, ok := p.EventDate(o.loc)
		if !ok {
			out.Undated++
			o.log.Debug("product has no event date", "product_id", p.ID)
			continue
		}
		id := p.ID
		e := model.Event{
			Name:      strings.TrimSpace(html.UnescapeString(p.Name)),
			EventDate: date.UTC(),
			ProductID: &id,
		}
		if err := o.events.Create(ctx, &e); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				out.Linked++
				continue
			}
			return out, fmt.Errorf("create event for product %d: %w", p.ID, err)
		}
		used[p.ID] = true
		out.Created = append(out.Created, e)
		o.log.Info("event discovered", "event_id", e.ID, "product_id", p.ID, "name", e.Name)
	}
	return out, nil
}

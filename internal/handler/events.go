package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/repository"
	"github.com/iliyamo/checkin-reconciler/internal/syncer"
)

// EventSyncer mirrors commerce orders into the ledger.
type EventSyncer interface {
	Sync(ctx context.Context, eventID uint64, force bool) (syncer.Result, error)
	SyncAll(ctx context.Context, opts syncer.BatchOptions) (syncer.BatchResult, error)
	Discover(ctx context.Context) (syncer.DiscoverResult, error)
}

// EventHandler exposes discovery and sync.
type EventHandler struct {
	Syncer EventSyncer
	// BatchTimeout bounds discovery and full syncs, which page through
	// the commerce API with a delay between requests.
	BatchTimeout time.Duration
}

// NewEventHandler returns an EventHandler.
func NewEventHandler(s EventSyncer, batchTimeout time.Duration) *EventHandler {
	if batchTimeout <= 0 {
		batchTimeout = 15 * time.Minute
	}
	return &EventHandler{Syncer: s, BatchTimeout: batchTimeout}
}

// Discover handles POST /v1/events/discover.
func (h *EventHandler) Discover(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.BatchTimeout)
	defer cancel()
	res, err := h.Syncer.Discover(ctx)
	if err != nil {
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Sync handles POST /v1/events/:id/sync?force=true.  A sync that did not
// run (frozen, cached, unlinked, merged) is still a 200; the reason is in
// the body.
func (h *EventHandler) Sync(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	ctx, cancel := withTimeout(c, h.BatchTimeout)
	defer cancel()
	res, err := h.Syncer.Sync(ctx, id, force)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return storeError(c, err, "event")
		}
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type syncAllReq struct {
	Offset int  `json:"offset"`
	Force  bool `json:"force"`
}

// SyncAll handles POST /v1/events/sync-all.  The response carries
// next_offset so an interrupted run can be resumed.
func (h *EventHandler) SyncAll(c echo.Context) error {
	var req syncAllReq
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid body")
		}
	}
	if req.Offset < 0 {
		return badRequest(c, "offset must not be negative")
	}

	ctx, cancel := withTimeout(c, h.BatchTimeout)
	defer cancel()
	res, err := h.Syncer.SyncAll(ctx, syncer.BatchOptions{Offset: req.Offset, Force: req.Force})
	if err != nil && res.Processed == 0 && res.Total == 0 {
		return upstreamError(c, err)
	}
	if err != nil {
		// Interrupted part-way; the result says where to resume.
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": err.Error(), "result": res})
	}
	return c.JSON(http.StatusOK, res)
}

// upstreamError reports a failure that is not the ledger's fault.
func upstreamError(c echo.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": "timed out"})
	}
	c.Logger().Errorf("upstream: %v", err)
	return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
}

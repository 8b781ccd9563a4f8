package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/merge"
)

// EventMerger finds and merges duplicate events.
type EventMerger interface {
	FindDuplicateEvents(ctx context.Context) ([]merge.Group, error)
	MergeAll(ctx context.Context) (merge.BatchResult, error)
}

// MergeHandler exposes the merge engine.
type MergeHandler struct {
	Engine EventMerger
}

// NewMergeHandler returns a MergeHandler.
func NewMergeHandler(e EventMerger) *MergeHandler { return &MergeHandler{Engine: e} }

// Candidates handles GET /v1/merge/candidates.  Nothing is changed.
func (h *MergeHandler) Candidates(c echo.Context) error {
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()
	groups, err := h.Engine.FindDuplicateEvents(ctx)
	if err != nil {
		return storeError(c, err, "events")
	}
	if groups == nil {
		groups = []merge.Group{}
	}
	return c.JSON(http.StatusOK, echo.Map{"groups": groups})
}

// Merge handles POST /v1/merge.  When another pass holds the lock the
// answer is 409 and nothing was done.
func (h *MergeHandler) Merge(c echo.Context) error {
	ctx, cancel := withTimeout(c, 5*time.Minute)
	defer cancel()
	res, err := h.Engine.MergeAll(ctx)
	if err != nil {
		return storeError(c, err, "merge")
	}
	if res.LockHeld {
		return c.JSON(http.StatusConflict, echo.Map{"error": "merge already running", "result": res})
	}
	return c.JSON(http.StatusOK, res)
}

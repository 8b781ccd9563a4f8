package model

import "time"

// Event represents a scheduled occurrence that tickets are sold for.
// Events are created the first time a commerce product is discovered
// (or by an import) and are only restructured by the merge engine.
//
// Fields:
//
//	ID               – primary key identifier.
//	Name             – display name.
//	EventDate        – scheduled start, stored in UTC.
//	ProductID        – primary commerce product reference (nil when unlinked).
//	MergedProductIDs – product references absorbed from merged events.
//	MergedIntoID     – successor event when this row is a merge tombstone.
//	CreatedAt        – creation timestamp.
//	UpdatedAt        – last update timestamp.
type Event struct {
	ID               uint64    // events.id
	Name             string    // events.name
	EventDate        time.Time // events.event_date
	ProductID        *uint64   // events.product_id (nullable)
	MergedProductIDs []uint64  // events.merged_product_ids (JSON array)
	MergedIntoID     *uint64   // events.merged_into_id (nullable)
	CreatedAt        time.Time // events.created_at
	UpdatedAt        time.Time // events.updated_at
}

// IsTombstone reports whether the event was merged into another event.
// Tombstones are never synced and never listed as live events.
func (e Event) IsTombstone() bool { return e.MergedIntoID != nil }

// ProductRefs returns the primary product reference followed by every
// absorbed reference, without duplicates.
func (e Event) ProductRefs() []uint64 {
	refs := make([]uint64, 0, 1+len(e.MergedProductIDs))
	seen := make(map[uint64]struct{}, 1+len(e.MergedProductIDs))
	if e.ProductID != nil && *e.ProductID != 0 {
		refs = append(refs, *e.ProductID)
		seen[*e.ProductID] = struct{}{}
	}
	for _, id := range e.MergedProductIDs {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	return refs
}

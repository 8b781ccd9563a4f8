package model

import "time"

// CacheEntry is one row of the freshness cache.  EventID optionally tags
// the entry so every entry belonging to an event can be dropped at once.
type CacheEntry struct {
	Key       string    // cache_entries.cache_key
	Payload   []byte    // cache_entries.payload
	CachedAt  time.Time // cache_entries.cached_at
	ExpiresAt time.Time // cache_entries.expires_at
	EventID   *uint64   // cache_entries.event_id (nullable)
}

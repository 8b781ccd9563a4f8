// Package cache is a TTL key/value store used to avoid redundant calls
// to the commerce platform.  It has no domain knowledge: callers decide
// what a key means and how long it stays fresh.  Stale entries are
// deleted lazily on read and may additionally be swept on a schedule.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is implemented by every cache backend.
type Store interface {
	// Get returns the payload of a live entry.  ok is false on a miss or
	// when the entry has expired.
	Get(ctx context.Context, key string) (payload []byte, ok bool, err error)
	// Set writes an entry that expires after ttl.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration, opts ...SetOption) error
	// Invalidate removes one entry.  Removing a missing key is not an error.
	Invalidate(ctx context.Context, key string) error
	// InvalidateEvent removes every entry tagged with eventID and returns
	// how many were removed.
	InvalidateEvent(ctx context.Context, eventID uint64) (int, error)
	// Age returns how long ago a live entry was written.
	Age(ctx context.Context, key string) (age time.Duration, ok bool, err error)
	// SweepExpired deletes expired entries and returns how many went.
	SweepExpired(ctx context.Context) (int, error)
}

type setOptions struct {
	eventID *uint64
}

// SetOption customizes Set.
type SetOption func(*setOptions)

// WithEvent tags the entry with an event so InvalidateEvent can find it.
func WithEvent(eventID uint64) SetOption {
	return func(o *setOptions) {
		id := eventID
		o.eventID = &id
	}
}

func applyOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GetJSON reads an entry and decodes it into a value of type T.  An entry
// that no longer decodes is treated as a miss.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, nil
	}
	return v, true, nil
}

// SetJSON encodes v and stores it.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration, opts ...SetOption) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl, opts...)
}

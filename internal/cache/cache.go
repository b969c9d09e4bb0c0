package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get/GetInt64 when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the contract shared by the distributed and in-process cache
// tiers. Counters use Increment/GetInt64; serialized status blobs use
// Get/Set/Delete. All implementations must be safe for concurrent use.
type Store interface {
	// Increment atomically adds one to key and returns the new value. The
	// first increment on a key starts a fixed window: the expiry is set to
	// window from now and is not pushed forward by later increments.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	GetInt64(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Tiered composes the distributed primary tier with the in-process
// fallback. Reads consult the primary first and fall back on miss or error;
// writes and invalidations go to both tiers so neither can serve stale
// block state. Counters live in exactly one tier: the primary when it is
// configured, the fallback otherwise.
type Tiered struct {
	primary  Store // nil when Redis is not configured
	fallback Store
}

// NewTiered builds a tiered store. primary may be nil.
func NewTiered(primary, fallback Store) *Tiered {
	return &Tiered{primary: primary, fallback: fallback}
}

// HasPrimary reports whether a distributed tier is configured.
func (t *Tiered) HasPrimary() bool {
	return t.primary != nil
}

// Increment routes counter traffic to the single authoritative tier.
func (t *Tiered) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if t.primary != nil {
		return t.primary.Increment(ctx, key, window)
	}
	return t.fallback.Increment(ctx, key, window)
}

// GetInt64 reads a counter from the authoritative tier.
func (t *Tiered) GetInt64(ctx context.Context, key string) (int64, error) {
	if t.primary != nil {
		return t.primary.GetInt64(ctx, key)
	}
	return t.fallback.GetInt64(ctx, key)
}

// Get returns the first tier hit, preferring the primary. When the primary
// fails outright (not a miss) and the fallback has nothing either, the
// primary's error is surfaced instead of ErrMiss, so callers can tell an
// unreachable tier from a genuinely absent key.
func (t *Tiered) Get(ctx context.Context, key string) (string, error) {
	var primaryErr error
	if t.primary != nil {
		val, err := t.primary.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrMiss) {
			primaryErr = err
		}
	}

	val, err := t.fallback.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	if primaryErr != nil {
		return "", primaryErr
	}
	return "", err
}

// Set writes the value into both tiers. A primary failure does not prevent
// the fallback write; the first error is reported.
func (t *Tiered) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var firstErr error
	if t.primary != nil {
		if err := t.primary.Set(ctx, key, value, ttl); err != nil {
			firstErr = err
		}
	}
	if err := t.fallback.Set(ctx, key, value, ttl); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Delete invalidates the key in both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	var firstErr error
	if t.primary != nil {
		if err := t.primary.Delete(ctx, key); err != nil {
			firstErr = err
		}
	}
	if err := t.fallback.Delete(ctx, key); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

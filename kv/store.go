package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable wraps every backend failure.
	ErrUnavailable = errors.New("kv store unavailable")
)

// Store is the keyed counter port.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl > 0 makes it expire (SETEX), ttl == 0 keeps it.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// TTL returns the remaining lifetime, or a negative duration when the key
	// has none or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// WindowCounter is implemented by stores that can run one sliding-window
// step atomically: drop members scored at or below now-window, add member at
// now, refresh the key TTL and return the resulting cardinality.
type WindowCounter interface {
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error)
}

// SlidingWindow runs the step on s, atomically when s is a WindowCounter and
// as four sequential commands otherwise.
func SlidingWindow(ctx context.Context, s Store, key string, now time.Time, window time.Duration, member string) (int64, error) {
	if wc, ok := s.(WindowCounter); ok {
		return wc.SlidingWindow(ctx, key, now, window, member)
	}

	nowMs := float64(now.UnixMilli())
	if _, err := s.ZRemRangeByScore(ctx, key, negInf, nowMs-float64(window.Milliseconds())); err != nil {
		return 0, err
	}
	if err := s.ZAdd(ctx, key, nowMs, member); err != nil {
		return 0, err
	}
	count, err := s.ZCard(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.Expire(ctx, key, window); err != nil {
		return 0, err
	}
	return count, nil
}

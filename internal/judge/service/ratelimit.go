package service

import (
	"context"
	"time"

	"codehakam/internal/common/cache"
	appErr "codehakam/pkg/errors"

	"github.com/google/uuid"
)

const (
	rateKeyPrefix     = "judge:rate:user:"
	defaultRateWindow = time.Minute
)

// RateStore is the slice of cache operations the limiter needs.
type RateStore interface {
	cache.SortedSetOps
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RateLimiter enforces a per-user sliding-window submission limit. Each
// attempt is a timestamped member in a sorted set; members older than the
// window are trimmed before counting, so the limit slides instead of
// resetting on a fixed boundary.
type RateLimiter struct {
	store   RateStore
	max     int
	window  time.Duration
	timeout time.Duration
}

// NewRateLimiter builds a limiter allowing max attempts per window. A nil
// store or non-positive max disables limiting.
func NewRateLimiter(store RateStore, max int, window, timeout time.Duration) *RateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RateLimiter{
		store:   store,
		max:     max,
		window:  window,
		timeout: timeout,
	}
}

// Allow records one attempt for the user and reports whether it fits the
// window. Attempts over the limit are not recorded, so a throttled user
// recovers as soon as older attempts age out.
func (l *RateLimiter) Allow(ctx context.Context, userID string) error {
	if l == nil || l.store == nil || l.max <= 0 || userID == "" {
		return nil
	}

	ctxCache, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := rateKeyPrefix + userID
	now := time.Now()
	horizon := float64(now.Add(-l.window).UnixMilli())
	if _, err := l.store.ZRemRangeByScore(ctxCache, key, 0, horizon); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	count, err := l.store.ZCard(ctxCache, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if count >= int64(l.max) {
		return appErr.New(appErr.SubmitTooFrequently)
	}
	if err := l.store.ZAdd(ctxCache, key, float64(now.UnixMilli()), uuid.NewString()); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	// Abandoned keys self-clean once the window passes.
	_ = l.store.Expire(ctxCache, key, l.window+time.Second)
	return nil
}

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hatchworks/conveyor/pkg/cache"
)

// windowTTL keeps rate-limit keys alive for two minute-buckets so a
// window straddling a bucket boundary still counts prior requests.
const windowTTL = 120 * time.Second

// RateLimiter enforces per-client sliding-window limits using a
// sorted set of request timestamps per minute bucket.
type RateLimiter struct {
	cache cache.Cache
	now   func() time.Time
}

// NewRateLimiter creates a limiter on the shared cache
func NewRateLimiter(c cache.Cache) *RateLimiter {
	return &RateLimiter{cache: c, now: time.Now}
}

// Decision is the outcome of one rate-limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allow records a request for the client and decides whether it fits
// within limit requests per minute. The window slides: only requests
// in the last 60 seconds count.
func (r *RateLimiter) Allow(ctx context.Context, clientID string, limit int) (*Decision, error) {
	now := r.now()
	bucket := now.Unix() / 60
	key := fmt.Sprintf("rate_limit:%s:%d", clientID, bucket)
	prevKey := fmt.Sprintf("rate_limit:%s:%d", clientID, bucket-1)

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	if err := r.cache.ZAdd(ctx, key, cache.ZMember{
		Score:  float64(now.Unix()),
		Member: member,
	}); err != nil {
		return nil, fmt.Errorf("failed to record request: %w", err)
	}
	if err := r.cache.Expire(ctx, key, windowTTL); err != nil {
		return nil, fmt.Errorf("failed to expire window: %w", err)
	}

	cutoff := float64(now.Add(-time.Minute).Unix())
	count := int64(0)
	for _, k := range []string{prevKey, key} {
		if _, err := r.cache.ZRemRangeByScore(ctx, k, 0, cutoff); err != nil {
			return nil, fmt.Errorf("failed to trim window: %w", err)
		}
		n, err := r.cache.ZCard(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to count window: %w", err)
		}
		count += n
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Minute).Truncate(time.Second),
	}, nil
}

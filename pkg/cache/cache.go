package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache
var ErrNotFound = errors.New("cache: key not found")

// ZMember is a scored sorted-set member
type ZMember struct {
	Score  float64
	Member string
}

// Cache is the key-value surface shared by the Redis, Postgres and
// hybrid backends. Values are opaque strings; callers JSON-encode
// structured data themselves.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Job cache key helpers. All per-job state lives under job:{id}:*.
func JobDataKey(jobID string) string    { return "job:" + jobID + ":data" }
func JobStatusKey(jobID string) string  { return "job:" + jobID + ":status" }
func JobTypeKey(jobID string) string    { return "job:" + jobID + ":type" }
func JobClientKey(jobID string) string  { return "job:" + jobID + ":client" }
func JobResultsKey(jobID string) string { return "job:" + jobID + ":results" }
func JobErrorKey(jobID string) string   { return "job:" + jobID + ":error" }

// APIKeyKey is the cache slot for an issued API key's metadata
func APIKeyKey(key string) string { return "api_keys:" + key }

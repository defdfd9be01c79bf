// AngelaMos | 2026
// cache.go

package cache

import (
	"context"
	"time"
)

// Cache is the capability surface shared by the in-process and redis
// implementations. It is an optimization tier only: callers must treat the
// durable store as authoritative and never trust a cache hit over it for
// state mutations.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
}

// Package webhook processes verified provider and payout-rail callbacks and
// keeps the time-bounded replay window for them.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orquesta/settlement/internal/store"
)

// DefaultRetention matches the provider's redelivery window.
const DefaultRetention = 72 * time.Hour

// ReplayKey identifies one signed delivery.
func ReplayKey(source, timestamp, signature string) string {
	return source + ":" + timestamp + ":" + signature
}

// ReplayGuard remembers delivery keys for a retention window.
type ReplayGuard interface {
	// FirstSeen records key and reports whether it was new.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// StoreGuard keeps the window in the primary store.
type StoreGuard struct {
	store     store.Store
	retention time.Duration
	nowFn     func() time.Time
}

func NewStoreGuard(st store.Store, retention time.Duration) *StoreGuard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &StoreGuard{store: st, retention: retention, nowFn: time.Now}
}

func (g *StoreGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	return g.store.RecordWebhookDelivery(ctx, key, g.nowFn().UTC(), g.retention)
}

// RedisGuard keeps the window in Redis with SETNX and a TTL, so expiry is
// handled by Redis.
type RedisGuard struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisGuard(rdb *redis.Client, retention time.Duration) *RedisGuard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisGuard{rdb: rdb, retention: retention}
}

func (g *RedisGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, "webhook:"+key, time.Now().UTC().Unix(), g.retention).Result()
	if err != nil {
		return false, fmt.Errorf("webhook replay guard: %w", err)
	}
	return ok, nil
}

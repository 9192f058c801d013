package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlotKey identifies one availability query.
type SlotKey struct {
	TenantID    string
	ProviderID  string
	Date        string
	Duration    int
	Granularity int
	Mode        string
}

func (k SlotKey) dayKey() string {
	return fmt.Sprintf("avail:ver:%s:%s:%s", k.TenantID, k.ProviderID, k.Date)
}

func (k SlotKey) providerKey() string {
	return fmt.Sprintf("avail:ver:%s:%s", k.TenantID, k.ProviderID)
}

func (k SlotKey) entryKey(v Version) string {
	return fmt.Sprintf("avail:%s:%s:%s:v%d.%d:%d:%d:%s",
		k.TenantID, k.ProviderID, k.Date, v.Provider, v.Day, k.Duration, k.Granularity, k.Mode)
}

// Version is the invalidation generation an entry was computed under. Day
// moves when a booking on that date changes; Provider moves when the
// provider's working hours change.
type Version struct {
	Provider int64
	Day      int64
}

// AvailabilityCache stores encoded slot lists per (provider, day, query).
// Invalidation bumps a per-day version so every cached query for that day
// is orphaned at once and left to expire.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &AvailabilityCache{client: client, ttl: ttl}
}

func (c *AvailabilityCache) version(ctx context.Context, k SlotKey) (Version, error) {
	vals, err := c.client.MGet(ctx, k.providerKey(), k.dayKey()).Result()
	if err != nil {
		return Version{}, err
	}
	var v Version
	for i, dst := range []*int64{&v.Provider, &v.Day} {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		if *dst, err = strconv.ParseInt(s, 10, 64); err != nil {
			return Version{}, err
		}
	}
	return v, nil
}

// Get returns the cached payload, whether it was present and the day version
// it was looked up under. Pass that version to Set so a result computed
// before an Invalidate is never stored under the newer version.
func (c *AvailabilityCache) Get(ctx context.Context, k SlotKey) ([]byte, Version, bool, error) {
	ver, err := c.version(ctx, k)
	if err != nil {
		return nil, Version{}, false, fmt.Errorf("read availability version: %w", err)
	}
	b, err := c.client.Get(ctx, k.entryKey(ver)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ver, false, nil
	}
	if err != nil {
		return nil, ver, false, fmt.Errorf("read availability: %w", err)
	}
	return b, ver, true, nil
}

// Set stores payload under version. A stale version leaves an orphaned entry
// that nothing reads and the TTL removes.
func (c *AvailabilityCache) Set(ctx context.Context, k SlotKey, version Version, payload []byte) error {
	if err := c.client.Set(ctx, k.entryKey(version), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("write availability: %w", err)
	}
	return nil
}

// Invalidate drops every cached query for the provider on date.
func (c *AvailabilityCache) Invalidate(ctx context.Context, tenantID, providerID, date string) error {
	k := SlotKey{TenantID: tenantID, ProviderID: providerID, Date: date}
	if err := c.bump(ctx, k.dayKey()); err != nil {
		return fmt.Errorf("invalidate availability: %w", err)
	}
	return nil
}

// InvalidateProvider drops every cached query for the provider on any date.
func (c *AvailabilityCache) InvalidateProvider(ctx context.Context, tenantID, providerID string) error {
	k := SlotKey{TenantID: tenantID, ProviderID: providerID}
	if err := c.bump(ctx, k.providerKey()); err != nil {
		return fmt.Errorf("invalidate provider availability: %w", err)
	}
	return nil
}

func (c *AvailabilityCache) bump(ctx context.Context, key string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	// Versions only need to outlive the entries they guard.
	pipe.Expire(ctx, key, 24*time.Hour+c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another request already holds the slot.
var ErrHeld = errors.New("slot is held by another booking")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// SlotHolds serializes concurrent bookings of the same provider start time
// before they reach the database.
type SlotHolds struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSlotHolds(client *redis.Client, ttl time.Duration) *SlotHolds {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SlotHolds{client: client, ttl: ttl}
}

func holdKey(tenantID, providerID string, start time.Time) string {
	return fmt.Sprintf("hold:%s:%s:%d", tenantID, providerID, start.UTC().Unix())
}

// Acquire takes the hold or fails with ErrHeld. The returned release only
// deletes the key while this caller still owns it.
func (h *SlotHolds) Acquire(ctx context.Context, tenantID, providerID string, start time.Time) (func(context.Context) error, error) {
	key := holdKey(tenantID, providerID, start)
	token := uuid.NewString()

	ok, err := h.client.SetNX(ctx, key, token, h.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire slot hold: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, h.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release slot hold: %w", err)
		}
		return nil
	}, nil
}

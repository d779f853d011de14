package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDedup sheds duplicate webhook deliveries early via SETNX. The
// status-gated transitions in the settlement core remain the actual
// idempotency guarantee; this only saves redundant work.
type WebhookDedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewWebhookDedup(addr string) (*WebhookDedup, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &WebhookDedup{rdb: rdb, ttl: 24 * time.Hour}, nil
}

func (d *WebhookDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, "webhook:event:"+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

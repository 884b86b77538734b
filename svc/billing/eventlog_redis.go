package billing

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventLog keeps processed event ids in Redis with a TTL that covers the
// processor's redelivery window.
type RedisEventLog struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisEventLog returns a Redis-backed event log.
func NewRedisEventLog(client redis.UniversalClient, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEventLog{client: client, prefix: "billing:event:", ttl: ttl}
}

// Seen implements EventLog.
func (l *RedisEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	err := l.client.Get(ctx, l.prefix+eventID).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Mark implements EventLog. The key expires after the dedup TTL.
func (l *RedisEventLog) Mark(ctx context.Context, eventID string) error {
	return l.client.SetNX(ctx, l.prefix+eventID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

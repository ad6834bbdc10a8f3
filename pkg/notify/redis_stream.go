package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream external mailers consume from.
const DefaultStream = "behavtrust:notifications"

// RedisStreamSender appends notifications to a Redis stream so an external
// worker can deliver them.
type RedisStreamSender struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamSender(rdb redis.Cmdable, stream string) *RedisStreamSender {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSender{rdb: rdb, stream: stream, maxLen: 10000}
}

func (s *RedisStreamSender) Send(ctx context.Context, owner string, kind Kind, p Payload) error {
	if kind == KindLoginCode {
		return fmt.Errorf("refusing to publish %s to stream %s", kind, s.stream)
	}
	values := map[string]interface{}{
		"owner": owner,
		"kind":  string(kind),
		"ip":    p.IP,
	}
	if p.TokenID != "" {
		values["token_id"] = p.TokenID
	}
	if !p.ExpiresAt.IsZero() {
		values["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	}
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

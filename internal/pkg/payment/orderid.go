package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	orderSeqKeyPrefix = "orderseq:"
	orderSeqTTL       = 48 * time.Hour
	orderIDAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// OrderIDGenerator hands out unique order ids.
type OrderIDGenerator interface {
	Next(ctx context.Context) (string, error)
}

// RedisOrderIDs generates ids shaped yyMMdd-XXXXX-NNNNN: the day, a random
// block and a per-day sequence kept in the cache.
type RedisOrderIDs struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisOrderIDs creates a generator on top of any go-redis client.
func NewRedisOrderIDs(client redis.Cmdable) *RedisOrderIDs {
	return &RedisOrderIDs{client: client, now: time.Now}
}

func (g *RedisOrderIDs) Next(ctx context.Context) (string, error) {
	day := g.now().Format("060102")
	key := orderSeqKeyPrefix + day

	seq, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("order id sequence: %w", err)
	}
	if seq == 1 {
		g.client.Expire(ctx, key, orderSeqTTL)
	}
	return formatOrderID(day, randomBlock(), seq), nil
}

func formatOrderID(day, block string, seq int64) string {
	return fmt.Sprintf("%s-%s-%05d", day, block, seq%100000)
}

func randomBlock() string {
	id := uuid.New()
	out := make([]byte, 5)
	for i := range out {
		out[i] = orderIDAlphabet[int(id[i])%len(orderIDAlphabet)]
	}
	return string(out)
}

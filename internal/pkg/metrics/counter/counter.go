// Package counter keeps daily billing counters in Redis hashes.
package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "billing:counters:"
	// Retention of a daily hash.
	Retention = 35 * 24 * time.Hour
)

// Counters increments named per-day counters, e.g. sweep outcomes.
type Counters struct {
	client redis.Cmdable
	now    func() time.Time
}

func New(client redis.Cmdable) *Counters {
	return &Counters{client: client, now: time.Now}
}

func dayKey(day time.Time) string {
	return keyPrefix + day.Format("2006-01-02")
}

// Add increments name in today's hash by n.
func (c *Counters) Add(ctx context.Context, name string, n int64) error {
	if n == 0 {
		return nil
	}
	key := dayKey(c.now())
	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, key, name, n)
	pipe.Expire(ctx, key, Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment counter %s: %w", name, err)
	}
	return nil
}

// Day returns all counters recorded on day.
func (c *Counters) Day(ctx context.Context, day time.Time) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, dayKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for name, v := range raw {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[name] = n
	}
	return out, nil
}

// Today returns the counters of the current day.
func (c *Counters) Today(ctx context.Context) (map[string]int64, error) {
	return c.Day(ctx, c.now())
}

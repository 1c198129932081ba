package billingtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewRedis starts an in-memory Redis for the duration of the test.
func NewRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// OrderIDs hands out predictable order ids: Prefix followed by a sequence.
type OrderIDs struct {
	mu     sync.Mutex
	Prefix string
	n      int
}

func (g *OrderIDs) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	prefix := g.Prefix
	if prefix == "" {
		prefix = "250513-AB12C-"
	}
	return fmt.Sprintf("%s%05d", prefix, g.n), nil
}

package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	day := time.Date(2025, 5, 13, 3, 0, 0, 0, time.UTC)
	c := New(client)
	c.now = func() time.Time { return day }
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "renewed", 2))
	require.NoError(t, c.Add(ctx, "renewed", 1))
	require.NoError(t, c.Add(ctx, "failed", 1))
	require.NoError(t, c.Add(ctx, "skipped", 0))

	got, err := c.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"renewed": 3, "failed": 1}, got)

	assert.True(t, mr.Exists("billing:counters:2025-05-13"))
	assert.Equal(t, Retention, mr.TTL("billing:counters:2025-05-13"))

	other, err := c.Day(ctx, day.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, other)
}

package payment

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderIDPattern = regexp.MustCompile(`^\d{6}-[A-Z0-9]{5}-\d{5}$`)

func TestRedisOrderIDs_Next(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	g := NewRedisOrderIDs(client)
	g.now = func() time.Time { return time.Date(2025, 5, 13, 10, 0, 0, 0, time.UTC) }

	first, err := g.Next(context.Background())
	require.NoError(t, err)
	second, err := g.Next(context.Background())
	require.NoError(t, err)

	assert.Regexp(t, orderIDPattern, first)
	assert.Equal(t, "250513-", first[:7])
	assert.Equal(t, "00001", first[len(first)-5:])
	assert.Equal(t, "00002", second[len(second)-5:])
	assert.NotEqual(t, first, second)

	assert.True(t, mr.Exists("orderseq:250513"))
	assert.Equal(t, orderSeqTTL, mr.TTL("orderseq:250513"))
}

func TestFormatOrderID(t *testing.T) {
	assert.Equal(t, "250513-AB12C-00007", formatOrderID("250513", "AB12C", 7))
	assert.Equal(t, "250513-AB12C-00000", formatOrderID("250513", "AB12C", 100000))
}

func TestRedisOrderIDs_CacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	_, err := NewRedisOrderIDs(client).Next(context.Background())
	assert.Error(t, err)
}

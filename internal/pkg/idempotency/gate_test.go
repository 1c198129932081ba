package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewGate(client, Config{Backoff: time.Millisecond, CallTimeout: 200 * time.Millisecond}), mr
}

func TestReserveTwiceConflicts(t *testing.T) {
	gate, mr := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.Reserve(ctx, "250513-AB12C-00007", 43200))
	err := gate.Reserve(ctx, "250513-AB12C-00007", 43200)
	assert.ErrorIs(t, err, ErrConflict)

	val, err := mr.Get("order:250513-AB12C-00007")
	require.NoError(t, err)
	assert.Equal(t, "43200", val)
	assert.Equal(t, DefaultTTL, mr.TTL("order:250513-AB12C-00007"))
}

func TestVerify(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	assert.ErrorIs(t, gate.Verify(ctx, "missing", 100), ErrNotFound)

	require.NoError(t, gate.Reserve(ctx, "o-1", 43200))
	assert.NoError(t, gate.Verify(ctx, "o-1", 43200))
	assert.ErrorIs(t, gate.Verify(ctx, "o-1", 43000), ErrAmountMismatch)
}

func TestTokenNamespacesDoNotCollide(t *testing.T) {
	gate, mr := newTestGate(t)
	ctx := context.Background()

	// same raw value used as order id and as token
	require.NoError(t, gate.Reserve(ctx, "same", 1000))
	require.NoError(t, gate.ReserveToken(ctx, "same"))
	assert.ErrorIs(t, gate.ReserveToken(ctx, "same"), ErrConflict)

	require.NoError(t, gate.ReserveToken(ctx, ChargeKey("same", "cust-1")))
	assert.True(t, mr.Exists("idem:charge:same:cust-1"))

	val, err := mr.Get("idem:same")
	require.NoError(t, err)
	assert.Equal(t, ProcessedValue, val)
}

func TestReleaseAllowsRetry(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.ReserveToken(ctx, "tok-1"))
	require.NoError(t, gate.Release(ctx, "tok-1"))
	assert.NoError(t, gate.ReserveToken(ctx, "tok-1"))
}

func TestTTLExpiryFreesReservation(t *testing.T) {
	gate, mr := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.ReserveToken(ctx, "tok-ttl"))
	mr.FastForward(DefaultTTL + time.Second)
	assert.NoError(t, gate.ReserveToken(ctx, "tok-ttl"))
}

func TestCacheDownIsFatal(t *testing.T) {
	gate, mr := newTestGate(t)
	mr.Close()

	err := gate.ReserveToken(context.Background(), "tok-down")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.NotErrorIs(t, err, ErrConflict)

	err = gate.Verify(context.Background(), "o-down", 10)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

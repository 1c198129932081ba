// Package idempotency guards money flows against duplicate requests using
// TTL'd set-if-absent reservations in the shared cache.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

const (
	// Redis key prefixes. Order reservations and request tokens never share a prefix.
	OrderKeyPrefix = "order:"
	TokenKeyPrefix = "idem:"

	// ChargeTokenPrefix namespaces server-initiated recurring charges inside the
	// token space so they cannot collide with client supplied tokens.
	ChargeTokenPrefix = "charge:"

	ProcessedValue = "processed"

	DefaultTTL         = 24 * time.Hour
	DefaultMaxAttempts = 3
	DefaultBackoff     = 50 * time.Millisecond
	DefaultCallTimeout = 500 * time.Millisecond
)

var (
	ErrConflict         = errors.New("idempotency: already reserved")
	ErrNotFound         = errors.New("idempotency: reservation not found")
	ErrAmountMismatch   = errors.New("idempotency: amount does not match reservation")
	ErrCacheUnavailable = errors.New("idempotency: cache unavailable")
)

// Config tunes the gate. Zero values fall back to the defaults above.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// Gate is the durable reservation/dedup store in front of every payment.
type Gate struct {
	client redis.Cmdable
	cfg    Config
}

// ConfigFromEnv reads IDEMPOTENCY_* variables. Unset values keep the defaults.
func ConfigFromEnv() Config {
	return Config{
		TTL:         env.GetEnvDuration("IDEMPOTENCY_TTL", DefaultTTL),
		MaxAttempts: env.GetEnvInt("IDEMPOTENCY_MAX_ATTEMPTS", DefaultMaxAttempts),
		Backoff:     env.GetEnvDuration("IDEMPOTENCY_BACKOFF", DefaultBackoff),
		CallTimeout: env.GetEnvDuration("IDEMPOTENCY_CALL_TIMEOUT", DefaultCallTimeout),
	}
}

// NewGate creates a gate on top of any go-redis client.
func NewGate(client redis.Cmdable, cfg Config) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Gate{client: client, cfg: cfg}
}

// ChargeKey is the dedup token of a recurring charge for one order and customer.
func ChargeKey(orderID, customerKey string) string {
	return ChargeTokenPrefix + orderID + ":" + customerKey
}

// Reserve records the amount of a freshly created order. A second reservation
// of the same order fails with ErrConflict.
func (g *Gate) Reserve(ctx context.Context, orderID string, amount int64) error {
	key := OrderKeyPrefix + orderID
	ok, err := g.setNX(ctx, key, strconv.FormatInt(amount, 10))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %s", ErrConflict, orderID)
	}
	return nil
}

// Verify checks that amount matches the reserved order amount.
func (g *Gate) Verify(ctx context.Context, orderID string, amount int64) error {
	key := OrderKeyPrefix + orderID
	var raw string
	err := g.withRetry(ctx, "GET "+key, func(ctx context.Context) error {
		v, err := g.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return err
	}

	reserved, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil || reserved != amount {
		return fmt.Errorf("%w: order %s reserved=%s got=%d", ErrAmountMismatch, orderID, raw, amount)
	}
	return nil
}

// ReserveToken marks a request token as used. Reuse fails with ErrConflict.
func (g *Gate) ReserveToken(ctx context.Context, token string) error {
	ok, err := g.setNX(ctx, TokenKeyPrefix+token, ProcessedValue)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: token %s", ErrConflict, token)
	}
	return nil
}

// Release deletes a token reservation so a failed attempt can be retried.
func (g *Gate) Release(ctx context.Context, token string) error {
	key := TokenKeyPrefix + token
	return g.withRetry(ctx, "DEL "+key, func(ctx context.Context) error {
		return g.client.Del(ctx, key).Err()
	})
}

func (g *Gate) setNX(ctx context.Context, key, value string) (bool, error) {
	var ok bool
	err := g.withRetry(ctx, "SETNX "+key, func(ctx context.Context) error {
		v, err := g.client.SetNX(ctx, key, value, g.cfg.TTL).Result()
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

// withRetry runs op with a per-call timeout and a fixed backoff between
// attempts. redis.Nil is an answer, not a failure, and is returned as is.
func (g *Gate) withRetry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: g.cfg.Backoff, Max: g.cfg.Backoff}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err := op(callCtx)
		cancel()
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", ErrCacheUnavailable, what, ctx.Err())
		}

		lastErr = err
		if attempt == g.cfg.MaxAttempts {
			break
		}
		log.Warnf("[Idempotency] %s failed (attempt %d/%d): %v", what, attempt, g.cfg.MaxAttempts, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrCacheUnavailable, what, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}

	log.Errorf("[Idempotency] %s gave up after %d attempts: %v", what, g.cfg.MaxAttempts, lastErr)
	return fmt.Errorf("%w: %s: %v", ErrCacheUnavailable, what, lastErr)
}

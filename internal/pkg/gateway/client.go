package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

const (
	breakerInteractive = "gateway-interactive"
	breakerRecurring   = "gateway-recurring"
)

// errSlowCall marks a successful call that took longer than the slow-call
// threshold. The breaker counts it as a failure, the caller keeps the result.
var errSlowCall = errors.New("slow gateway call")

// Config tunes retry and circuit breaking for the gateway client.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration

	FailureThreshold  uint32
	SlowCallThreshold time.Duration
	OpenTimeout       time.Duration
	HalfOpenRequests  uint32
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		CallTimeout:       10 * time.Second,
		FailureThreshold:  5,
		SlowCallThreshold: 5 * time.Second,
		OpenTimeout:       30 * time.Second,
		HalfOpenRequests:  1,
	}
}

// ConfigFromEnv overlays GATEWAY_* variables on DefaultConfig.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		MaxAttempts:       env.GetEnvInt("GATEWAY_MAX_ATTEMPTS", def.MaxAttempts),
		InitialBackoff:    env.GetEnvDuration("GATEWAY_INITIAL_BACKOFF", def.InitialBackoff),
		MaxBackoff:        env.GetEnvDuration("GATEWAY_MAX_BACKOFF", def.MaxBackoff),
		CallTimeout:       env.GetEnvDuration("GATEWAY_CALL_TIMEOUT", def.CallTimeout),
		FailureThreshold:  uint32(env.GetEnvInt("GATEWAY_BREAKER_FAILURES", int(def.FailureThreshold))),
		SlowCallThreshold: env.GetEnvDuration("GATEWAY_SLOW_CALL", def.SlowCallThreshold),
		OpenTimeout:       env.GetEnvDuration("GATEWAY_BREAKER_OPEN_TIMEOUT", def.OpenTimeout),
		HalfOpenRequests:  uint32(env.GetEnvInt("GATEWAY_BREAKER_HALF_OPEN", int(def.HalfOpenRequests))),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = def.HalfOpenRequests
	}
	return c
}

// Client wraps a Transport with bounded retries and two circuit breakers:
// one for user-present confirmation and one for recurring billing, so a
// failing billing endpoint does not block interactive checkouts.
type Client struct {
	transport   Transport
	cfg         Config
	interactive *gobreaker.CircuitBreaker
	recurring   *gobreaker.CircuitBreaker
}

var _ Gateway = (*Client)(nil)

// NewClient builds a Client around transport.
func NewClient(transport Transport, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		transport:   transport,
		cfg:         cfg,
		interactive: newBreaker(breakerInteractive, cfg),
		recurring:   newBreaker(breakerRecurring, cfg),
	}
}

func newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a decline means the provider is healthy
		IsSuccessful: func(err error) bool {
			return err == nil || IsNonRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[Gateway] Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}

// BreakerState exposes the breaker states for health reporting.
func (c *Client) BreakerState() map[string]string {
	return map[string]string{
		breakerInteractive: c.interactive.State().String(),
		breakerRecurring:   c.recurring.State().String(),
	}
}

func (c *Client) ConfirmOneTime(ctx context.Context, req ConfirmRequest) (*Result, error) {
	out, err := c.do(ctx, c.interactive, "confirm", func(ctx context.Context) (interface{}, error) {
		return c.transport.Confirm(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

func (c *Client) IssueRecurringToken(ctx context.Context, req IssueRequest) (*BillingKey, error) {
	out, err := c.do(ctx, c.recurring, "issue_billing_key", func(ctx context.Context) (interface{}, error) {
		return c.transport.IssueBillingKey(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*BillingKey), nil
}

func (c *Client) ChargeWithRecurringToken(ctx context.Context, req ChargeRequest) (*Result, error) {
	out, err := c.do(ctx, c.recurring, "charge", func(ctx context.Context) (interface{}, error) {
		return c.transport.Charge(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

// do runs call through the breaker, retrying retryable failures with
// exponential backoff and jitter. Every attempt of one logical call carries
// the same request and therefore the same idempotency key.
func (c *Client) do(ctx context.Context, cb *gobreaker.CircuitBreaker, op string, call func(context.Context) (interface{}, error)) (interface{}, error) {
	b := &backoff.Backoff{
		Min:    c.cfg.InitialBackoff,
		Max:    c.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		out, err := c.attempt(ctx, cb, call)
		if err == nil {
			if attempt > 1 {
				log.Infof("[Gateway] %s succeeded on attempt %d", op, attempt)
			}
			return out, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warnf("[Gateway] %s rejected, circuit %s is %s", op, cb.Name(), cb.State())
			return nil, &Error{Kind: KindCircuitOpen, Op: op, Code: CodeCircuitOpen, Attempts: attempt - 1, Err: err}
		}
		if !IsRetryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}

		wait := b.Duration()
		log.Warnf("[Gateway] %s attempt %d/%d failed: %v (retry in %s)", op, attempt, c.cfg.MaxAttempts, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	log.Errorf("[Gateway] %s gave up after %d attempts: %v", op, c.cfg.MaxAttempts, lastErr)
	return nil, &Error{Kind: KindRetryExhausted, Op: op, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, cb *gobreaker.CircuitBreaker, call func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if c.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
		}

		start := time.Now()
		res, err := call(callCtx)
		if err == nil && c.cfg.SlowCallThreshold > 0 && time.Since(start) > c.cfg.SlowCallThreshold {
			return res, errSlowCall
		}
		return res, err
	})
	if errors.Is(err, errSlowCall) {
		return out, nil
	}
	return out, err
}

// Package outbox delivers events to in-process subscribers through a Redis
// backed queue, so a slow mail server never holds up a payment.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
)

const (
	// Redis keys
	MessageKeyPrefix = "outbox:msg:"
	QueueKey         = "outbox:queue"
	ProcessingKey    = "outbox:processing"
	StatsKey         = "outbox:stats"

	DefaultWorkers    = 2
	DefaultMaxRetries = 5
	DefaultRetryDelay = 30 * time.Second
	MessageTTL        = 72 * time.Hour
)

// Handler consumes one event. Handlers may see an event more than once.
type Handler func(ctx context.Context, ev events.Event) error

// Config tunes the queue. Zero values fall back to defaults.
type Config struct {
	Workers       int
	MaxRetries    int
	RetryDelay    time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Workers:       env.GetEnvInt("OUTBOX_WORKERS", DefaultWorkers),
		MaxRetries:    env.GetEnvInt("OUTBOX_MAX_RETRIES", DefaultMaxRetries),
		RetryDelay:    env.GetEnvDuration("OUTBOX_RETRY_DELAY", DefaultRetryDelay),
		StuckAfter:    env.GetEnvDuration("OUTBOX_STUCK_AFTER", 10*time.Minute),
		SweepInterval: env.GetEnvDuration("OUTBOX_SWEEP_INTERVAL", time.Minute),
	}
}

// Queue is an events.Sink that stores messages in Redis and hands them to
// subscribed handlers on worker goroutines.
type Queue struct {
	client   redis.Cmdable
	cfg      Config
	handlers map[events.Type][]Handler

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var _ events.Sink = (*Queue)(nil)

// NewQueue creates a queue on top of any go-redis client.
func NewQueue(client redis.Cmdable, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Queue{
		client:   client,
		cfg:      cfg,
		handlers: make(map[events.Type][]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers h for events of type t. Call before Start.
func (q *Queue) Subscribe(t events.Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = append(q.handlers[t], h)
}

// Publish stores the event and enqueues it for delivery.
func (q *Queue) Publish(ctx context.Context, ev events.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now()
	msg := &Message{
		ID:         ev.ID,
		Event:      ev,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: q.cfg.MaxRetries,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, MessageKeyPrefix+msg.ID, data, MessageTTL)
	pipe.LPush(ctx, QueueKey, msg.ID)
	pipe.HIncrBy(ctx, StatsKey, string(StatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	log.Infof("[Outbox] Enqueued %s for order %s (%s)", ev.Type, ev.OrderID, msg.ID)
	return nil
}

// Start launches the workers and the stuck-message sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	log.Infof("[Outbox] Starting %d workers", q.cfg.Workers)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper()
}

// Stop signals the workers and waits for them to finish the current message.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[Outbox] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	log.Info("[Outbox] All workers stopped")
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[Outbox] Worker %d started", id)
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[Outbox] Worker %d stopping", id)
			return
		default:
		}

		if _, err := q.ProcessNext(ctx, time.Second); err != nil {
			log.Errorf("[Outbox] Worker %d: %v", id, err)
			time.Sleep(time.Second)
		}
	}
}

// ProcessNext waits up to timeout for one message and delivers it. It reports
// whether a message was handled.
func (q *Queue) ProcessNext(ctx context.Context, timeout time.Duration) (bool, error) {
	msg, err := q.dequeue(ctx, timeout)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.process(ctx, msg)
	return true, nil
}

func (q *Queue) dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	id, err := q.client.BRPopLPush(ctx, QueueKey, ProcessingKey, timeout).Result()
	if err != nil {
		return nil, err
	}

	data, err := q.client.Get(ctx, MessageKeyPrefix+id).Result()
	if err != nil {
		q.client.LRem(ctx, ProcessingKey, 1, id)
		return nil, fmt.Errorf("message data not found for ID %s", id)
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		q.client.LRem(ctx, ProcessingKey, 1, id)
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", id, err)
	}
	return &msg, nil
}

func (q *Queue) process(ctx context.Context, msg *Message) {
	msg.markProcessing()
	q.update(ctx, msg)

	err := q.dispatch(ctx, msg.Event)
	if err == nil {
		log.Infof("[Outbox] Delivered %s for order %s", msg.Event.Type, msg.Event.OrderID)
		q.incrStats(ctx, StatusDelivered)
		q.client.Del(ctx, MessageKeyPrefix+msg.ID)
		q.removeFromProcessing(ctx, msg.ID)
		return
	}

	log.Errorf("[Outbox] Message %s (%s) failed: %v", msg.ID, msg.Event.Type, err)
	msg.markFailed(err.Error())
	if msg.isRetryable() {
		log.Infof("[Outbox] Retrying message %s (attempt %d/%d)", msg.ID, msg.RetryCount, msg.MaxRetries)
		msg.markRetrying()
		q.update(ctx, msg)
		q.removeFromProcessing(ctx, msg.ID)

		delay := q.cfg.RetryDelay * time.Duration(msg.RetryCount)
		if delay <= 0 {
			q.client.LPush(ctx, QueueKey, msg.ID)
		} else {
			id := msg.ID
			time.AfterFunc(delay, func() {
				q.client.LPush(context.Background(), QueueKey, id)
			})
		}
		return
	}

	log.Errorf("[Outbox] Message %s permanently failed after %d attempts", msg.ID, msg.RetryCount)
	q.incrStats(ctx, StatusFailed)
	q.update(ctx, msg)
	q.removeFromProcessing(ctx, msg.ID)
}

func (q *Queue) dispatch(ctx context.Context, ev events.Event) (err error) {
	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[ev.Type]...)
	q.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// stuckSweeper requeues messages left in the processing list by a crashed worker.
func (q *Queue) stuckSweeper() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n := q.RecoverStuck(context.Background()); n > 0 {
				log.Warnf("[Outbox] Recovered %d stuck message(s)", n)
			}
		}
	}
}

// RecoverStuck moves messages processing for longer than StuckAfter back to
// the queue and drops entries whose data has expired.
func (q *Queue) RecoverStuck(ctx context.Context) int {
	ids, err := q.client.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[Outbox] Sweeper LRange error: %v", err)
		return 0
	}

	now := time.Now()
	recovered := 0
	for _, id := range ids {
		data, err := q.client.Get(ctx, MessageKeyPrefix+id).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[Outbox] Sweeper Get error for %s: %v", id, err)
				continue
			}
			q.removeFromProcessing(ctx, id)
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			q.removeFromProcessing(ctx, id)
			continue
		}
		if msg.Status != StatusProcessing {
			q.removeFromProcessing(ctx, id)
			continue
		}

		started := msg.UpdatedAt
		if msg.ProcessedAt != nil {
			started = *msg.ProcessedAt
		}
		if now.Sub(started) <= q.cfg.StuckAfter {
			continue
		}

		msg.Status = StatusPending
		msg.ErrorMsg = "recovered by sweeper"
		msg.UpdatedAt = now
		q.update(ctx, &msg)
		q.removeFromProcessing(ctx, id)
		q.client.RPush(ctx, QueueKey, id)
		recovered++
	}
	return recovered
}

func (q *Queue) update(ctx context.Context, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("[Outbox] Failed to marshal message %s: %v", msg.ID, err)
		return
	}
	if err := q.client.Set(ctx, MessageKeyPrefix+msg.ID, data, MessageTTL).Err(); err != nil {
		log.Errorf("[Outbox] Failed to update message %s: %v", msg.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, ProcessingKey, 1, id).Err(); err != nil {
		log.Errorf("[Outbox] Failed to remove message %s from processing: %v", id, err)
	}
}

func (q *Queue) incrStats(ctx context.Context, status Status) {
	if err := q.client.HIncrBy(ctx, StatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[Outbox] Failed to update stats: %v", err)
	}
}

// GetMessage loads a message by id.
func (q *Queue) GetMessage(ctx context.Context, id string) (*Message, error) {
	data, err := q.client.Get(ctx, MessageKeyPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Stats returns delivery counters by status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int64, error) {
	raw, err := q.client.HGetAll(ctx, StatsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int64, len(raw))
	for status, count := range raw {
		if n, err := json.Number(count).Int64(); err == nil {
			out[Status(status)] = n
		}
	}
	return out, nil
}

// QueueSize returns the number of messages waiting for delivery.
func (q *Queue) QueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueKey).Result()
}

// ProcessingSize returns the number of messages currently being delivered.
func (q *Queue) ProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, ProcessingKey).Result()
}

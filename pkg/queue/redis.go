package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"qbtrade/pkg/logger"
)

// RedisQueue implements Service over a Redis list with a retry zset and a
// dead-letter list.
type RedisQueue struct {
	client *redis.Client
	log    *logger.Logger
	cfg    Config
	prefix string

	jobs map[string]Job

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisQueue creates a queue; register jobs before Start.
func NewRedisQueue(client *redis.Client, cfg Config, prefix string, log *logger.Logger) *RedisQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if prefix == "" {
		prefix = "queue"
	}
	return &RedisQueue{
		client: client,
		log:    log,
		cfg:    cfg,
		prefix: prefix,
		jobs:   make(map[string]Job),
		stopCh: make(chan struct{}),
	}
}

func (q *RedisQueue) key() string      { return q.prefix + ":jobs" }
func (q *RedisQueue) retryKey() string { return q.prefix + ":retry" }
func (q *RedisQueue) deadKey() string  { return q.prefix + ":dead" }

// Register attaches a job handler for its type.
func (q *RedisQueue) Register(j Job) { q.jobs[j.Type()] = j }

// Enqueue pushes one job message.
func (q *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue marshal payload: %w", err)
	}
	msg := Message{
		ID:      uuid.NewString(),
		Type:    msgType,
		Payload: raw,
		TS:      time.Now().UTC(),
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key(), data).Err()
}

// Start launches the workers and the retry pump.
func (q *RedisQueue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.retryPump()
}

// Stop halts workers, bounded by ctx.
func (q *RedisQueue) Stop(ctx context.Context) error {
	var err error
	q.stopOnce.Do(func() {
		close(q.stopCh)
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (q *RedisQueue) worker() {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		res, err := q.client.BRPop(ctx, time.Second, q.key()).Result()
		if err != nil || len(res) < 2 {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			q.log.Warn("queue: bad message", logger.Error(err))
			continue
		}
		q.process(ctx, msg)
	}
}

func (q *RedisQueue) process(ctx context.Context, msg Message) {
	job, ok := q.jobs[msg.Type]
	if !ok {
		q.log.Warn("queue: no job for type", logger.String("type", msg.Type))
		return
	}
	if err := job.Handle(ctx, msg.Payload); err != nil {
		msg.Attempts++
		if msg.Attempts > q.cfg.RetryLimit {
			q.toDeadLetter(ctx, msg)
			return
		}
		q.scheduleRetry(ctx, msg)
	}
}

func (q *RedisQueue) scheduleRetry(ctx context.Context, msg Message) {
	data, err := json.Marshal(&msg)
	if err != nil {
		return
	}
	due := time.Now().Add(q.cfg.RetryDelay * time.Duration(msg.Attempts))
	if err := q.client.ZAdd(ctx, q.retryKey(), redis.Z{
		Score:  float64(due.Unix()),
		Member: data,
	}).Err(); err != nil {
		q.log.Warn("queue: retry schedule", logger.Error(err))
	}
}

func (q *RedisQueue) toDeadLetter(ctx context.Context, msg Message) {
	data, err := json.Marshal(&msg)
	if err != nil {
		return
	}
	if err := q.client.LPush(ctx, q.deadKey(), data).Err(); err != nil {
		q.log.Error("queue: dead letter push", logger.Error(err))
	}
	q.log.Warn("queue: job moved to dead letter",
		logger.String("type", msg.Type),
		logger.String("id", msg.ID),
		logger.Int("attempts", msg.Attempts),
	)
}

// retryPump moves due retry messages back onto the main list.
func (q *RedisQueue) retryPump() {
	defer q.wg.Done()
	ctx := context.Background()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
		}
		now := fmt.Sprintf("%d", time.Now().Unix())
		due, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
			Min: "-inf", Max: now,
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		for _, member := range due {
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.retryKey(), member)
			pipe.LPush(ctx, q.key(), member)
			if _, err := pipe.Exec(ctx); err != nil {
				q.log.Warn("queue: retry move", logger.Error(err))
			}
		}
	}
}

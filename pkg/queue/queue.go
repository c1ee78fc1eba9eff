// Package queue is a small redis-backed job queue. The history archiver
// runs its writes through it so a ClickHouse outage never blocks the order
// path: jobs persist in Redis, retry with backoff and land in a dead-letter
// list when exhausted.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job handles one message type.
type Job interface {
	// Type returns the message type this job consumes.
	Type() string
	// Handle processes one payload.
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Config bounds the queue's workers and retry policy.
type Config struct {
	Workers    int
	RetryLimit int
	RetryDelay time.Duration
}

// Message is the wire form of one queued job.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	TS       time.Time       `json:"ts"`
}

// Service is the producer-side surface handed to components.
type Service interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
}

package kafka

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, data []byte) error
}

// Consumer reads registered topics with a bounded worker pool and retries
// handler failures with jittered backoff.
type Consumer struct {
	cfg      *ConsumerConfig
	readers  map[string]*kafka.Reader
	handlers map[string]MessageHandler
	msgChan  chan consumedMessage
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type consumedMessage struct {
	topic string
	data  []byte
}

// NewConsumer creates a Kafka consumer.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:    "default",
		Workers:    1,
		BufferSize: 64,
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   10e3,
		MaxBytes:   10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: brokers are required")
	}
	return &Consumer{
		cfg:      cfg,
		readers:  make(map[string]*kafka.Reader),
		handlers: make(map[string]MessageHandler),
		msgChan:  make(chan consumedMessage, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}, nil
}

// RegisterHandler attaches a handler for its topic.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	if _, ok := c.handlers[h.Topic()]; ok {
		log.Printf("kafka consumer: handler already registered for %s", h.Topic())
		return
	}
	c.handlers[h.Topic()] = h
}

// Start launches readers and the worker pool.
func (c *Consumer) Start() error {
	for topic := range c.handlers {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
		c.readers[topic] = reader
		c.wg.Add(1)
		go c.readLoop(topic, reader)
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return nil
}

// Stop closes readers and drains workers, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)
		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				log.Printf("kafka consumer: close %s: %v", topic, cerr)
			}
		}
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
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

func (c *Consumer) readLoop(topic string, reader *kafka.Reader) {
	defer c.wg.Done()
	for {
		msg, err := reader.ReadMessage(context.Background())
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
				log.Printf("kafka consumer: read %s: %v", topic, err)
				time.Sleep(c.cfg.BackoffMin)
				continue
			}
		}
		select {
		case c.msgChan <- consumedMessage{topic: topic, data: msg.Value}:
		case <-c.stopChan:
			return
		}
	}
}

func (c *Consumer) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case m := <-c.msgChan:
			c.process(m)
		}
	}
}

func (c *Consumer) process(m consumedMessage) {
	h, ok := c.handlers[m.topic]
	if !ok {
		return
	}
	backoff := c.cfg.BackoffMin
	for attempt := 0; ; attempt++ {
		err := h.Handle(context.Background(), m.data)
		if err == nil {
			return
		}
		if attempt >= c.cfg.RetryMax {
			log.Printf("kafka consumer: giving up on %s after %d attempts: %v", m.topic, attempt+1, err)
			return
		}
		jitter := time.Duration(0)
		if half := int64(backoff) / 2; half > 0 {
			jitter = time.Duration(rand.Int63n(half))
		}
		time.Sleep(backoff + jitter)
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

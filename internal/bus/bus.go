package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qbtrade/pkg/logger"
)

var (
	ErrUnknownTopic = errors.New("bus: unknown topic")
	ErrClosed       = errors.New("bus: closed")
)

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, e Envelope)

// Bus is the process-wide pub/sub surface. Implementations must preserve
// per-topic publish order toward every subscriber.
type Bus interface {
	Publish(e Envelope) error
	Subscribe(topic Topic, name string, h Handler) (Subscription, error)
	Request(ctx context.Context, e Envelope) (Envelope, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Subscription is a handle to an active subscription.
type Subscription interface {
	Topic() Topic
	Unsubscribe()
}

// Metrics receives per-topic delivery counters.
type Metrics interface {
	BusPublished(topic string)
	BusDelivered(topic string)
	BusDropped(topic string)
	BusHandlerFailure(topic string)
	BusHandlerLatency(topic string, seconds float64)
}

// Option configures the in-process bus.
type Option func(*InProcBus)

// WithBufferSize sets the per-subscription buffer (default 1024).
func WithBufferSize(n int) Option {
	return func(b *InProcBus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(b *InProcBus) { b.metrics = m }
}

// WithHeartbeat overrides the self-heartbeat interval (default 30s).
func WithHeartbeat(d time.Duration) Option {
	return func(b *InProcBus) {
		if d > 0 {
			b.heartbeatEvery = d
		}
	}
}

// WithDrainGrace overrides the Stop drain grace period (default 5s).
func WithDrainGrace(d time.Duration) Option {
	return func(b *InProcBus) {
		if d > 0 {
			b.drainGrace = d
		}
	}
}

// WithSourceID sets the identity stamped on self-published events.
func WithSourceID(id string) Option {
	return func(b *InProcBus) { b.sourceID = id }
}

// InProcBus is the in-process Bus implementation. Each subscription owns a
// bounded buffer drained by a dedicated worker goroutine, so one slow
// subscriber never blocks the publisher or its peers. Overflow drops the
// oldest buffered envelope and marks the next delivery as lagged.
type InProcBus struct {
	log     *logger.Logger
	metrics Metrics

	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	closed bool

	bufSize        int
	heartbeatEvery time.Duration
	drainGrace     time.Duration
	sourceID       string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type subscription struct {
	bus    *InProcBus
	topic  Topic
	name   string
	h      Handler
	ch     chan Envelope
	lagged bool
	mu     sync.Mutex
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Topic() Topic { return s.topic }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// New creates an in-process bus.
func New(log *logger.Logger, opts ...Option) *InProcBus {
	b := &InProcBus{
		log:            log,
		subs:           make(map[Topic][]*subscription),
		bufSize:        1024,
		heartbeatEvery: 30 * time.Second,
		drainGrace:     5 * time.Second,
		sourceID:       "bus",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers e to every current subscriber of its topic without
// blocking. Per-topic order is preserved; on a full subscriber buffer the
// oldest envelope is dropped and the subscriber sees a lag marker.
func (b *InProcBus) Publish(e Envelope) error {
	if !IsKnownTopic(e.Topic) {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, e.Topic)
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := b.subs[e.Topic]
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.BusPublished(string(e.Topic))
	}
	for _, s := range subs {
		s.offer(e)
	}
	return nil
}

func (s *subscription) offer(e Envelope) {
	s.mu.Lock()
	if s.lagged {
		e.Lagged = true
		s.lagged = false
	}
	select {
	case s.ch <- e:
		s.mu.Unlock()
		return
	default:
	}
	// full: drop oldest, then retry once
	select {
	case <-s.ch:
		if s.bus.metrics != nil {
			s.bus.metrics.BusDropped(string(s.topic))
		}
		s.lagged = true
	default:
	}
	select {
	case s.ch <- e:
	default:
		if s.bus.metrics != nil {
			s.bus.metrics.BusDropped(string(s.topic))
		}
		s.lagged = true
	}
	s.mu.Unlock()
}

// Subscribe registers h for topic. The handler runs on the subscription's
// own worker; panics are recovered, logged and counted.
func (b *InProcBus) Subscribe(topic Topic, name string, h Handler) (Subscription, error) {
	if !IsKnownTopic(topic) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &subscription{
		bus:   b,
		topic: topic,
		name:  name,
		h:     h,
		ch:    make(chan Envelope, b.bufSize),
		done:  make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	go b.deliver(s)
	return s, nil
}

func (b *InProcBus) deliver(s *subscription) {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			// drain what was already buffered, then exit
			for {
				select {
				case e := <-s.ch:
					b.invoke(ctx, s, e)
				default:
					return
				}
			}
		case e, ok := <-s.ch:
			if !ok {
				return
			}
			b.invoke(ctx, s, e)
		}
	}
}

func (b *InProcBus) invoke(ctx context.Context, s *subscription, e Envelope) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.BusHandlerFailure(string(s.topic))
			}
			b.log.Error("bus handler panic",
				logger.String("topic", string(s.topic)),
				logger.String("subscriber", s.name),
				logger.String("envelope_id", e.ID),
				logger.Any("panic", r),
			)
		}
	}()
	s.h(ctx, e)
	if b.metrics != nil {
		b.metrics.BusDelivered(string(s.topic))
		b.metrics.BusHandlerLatency(string(s.topic), time.Since(start).Seconds())
	}
}

func (b *InProcBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.topic]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Start launches the heartbeat loop.
func (b *InProcBus) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e, err := NewEnvelope(TopicHeartbeat, b.sourceID, map[string]string{"status": "alive"})
				if err != nil {
					continue
				}
				_ = b.Publish(e)
			}
		}
	}()
	return nil
}

// Stop drains pending deliveries up to the grace period, then aborts.
func (b *InProcBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	for _, s := range all {
		s.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(b.drainGrace):
		b.log.Warn("bus stop: drain grace exceeded, aborting")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

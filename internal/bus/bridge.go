package bus

import (
	"context"
	"fmt"

	"qbtrade/pkg/kafka"
	"qbtrade/pkg/logger"
)

// Bridge mirrors selected topics between the in-process bus and a Kafka
// broker so multiple processes can share one logical bus. Envelopes cross
// the wire in their self-describing JSON form (topic + version inside).
type Bridge struct {
	bus       *InProcBus
	producer  *kafka.Producer
	log       *logger.Logger
	wireTopic string
	outbound  map[Topic]struct{}
	subs      []Subscription
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithOutboundTopics selects which bus topics are mirrored to the broker.
func WithOutboundTopics(topics ...Topic) BridgeOption {
	return func(br *Bridge) {
		for _, t := range topics {
			br.outbound[t] = struct{}{}
		}
	}
}

// NewBridge creates a bridge writing to the given Kafka topic.
func NewBridge(b *InProcBus, producer *kafka.Producer, wireTopic string, log *logger.Logger, opts ...BridgeOption) *Bridge {
	br := &Bridge{
		bus:       b,
		producer:  producer,
		log:       log,
		wireTopic: wireTopic,
		outbound:  make(map[Topic]struct{}),
	}
	for _, opt := range opts {
		opt(br)
	}
	return br
}

// Start subscribes to each mirrored topic and republishes to the broker.
func (br *Bridge) Start(ctx context.Context) error {
	for t := range br.outbound {
		topic := t
		sub, err := br.bus.Subscribe(topic, "kafka-bridge", func(ctx context.Context, e Envelope) {
			raw, err := e.Encode()
			if err != nil {
				br.log.Error("bridge encode", logger.String("topic", string(topic)), logger.Error(err))
				return
			}
			if err := br.producer.Publish(ctx, br.wireTopic, []byte(e.Topic), raw); err != nil {
				br.log.Error("bridge publish", logger.String("topic", string(topic)), logger.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("bridge subscribe %s: %w", topic, err)
		}
		br.subs = append(br.subs, sub)
	}
	return nil
}

// Stop detaches the bridge from the bus.
func (br *Bridge) Stop() {
	for _, s := range br.subs {
		s.Unsubscribe()
	}
	br.subs = nil
}

// InboundHandler adapts broker messages back onto the in-process bus. It
// satisfies pkg/kafka.MessageHandler.
type InboundHandler struct {
	bus   *InProcBus
	topic string
}

// NewInboundHandler creates a handler for the given wire topic.
func NewInboundHandler(b *InProcBus, wireTopic string) *InboundHandler {
	return &InboundHandler{bus: b, topic: wireTopic}
}

// Topic returns the Kafka topic this handler consumes.
func (h *InboundHandler) Topic() string { return h.topic }

// Handle decodes an envelope off the wire and republishes it locally.
func (h *InboundHandler) Handle(_ context.Context, data []byte) error {
	e, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	return h.bus.Publish(e)
}

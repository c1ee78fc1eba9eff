package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbtrade/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func testBus(t *testing.T, opts ...Option) *InProcBus {
	t.Helper()
	b := New(testLogger(t), opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func publish(t *testing.T, b *InProcBus, topic Topic, payload interface{}) {
	t.Helper()
	e, err := NewEnvelope(topic, "test", payload)
	require.NoError(t, err)
	require.NoError(t, b.Publish(e))
}

func TestPublishUnknownTopic(t *testing.T) {
	b := testBus(t)
	e, err := NewEnvelope(Topic("nope"), "test", "x")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Publish(e), ErrUnknownTopic)
}

func TestPerTopicOrderingPreserved(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var got []int
	_, err := b.Subscribe(TopicHeartbeat, "sub", func(_ context.Context, e Envelope) {
		var v int
		require.NoError(t, e.Decode(&v))
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		publish(t, b, TopicHeartbeat, i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b := testBus(t)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(TopicSystemStatus, "sub", func(_ context.Context, _ Envelope) {
			wg.Done()
		})
		require.NoError(t, err)
	}
	publish(t, b, TopicSystemStatus, "hello")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the envelope")
	}
}

func TestSlowSubscriberDropsOldestAndMarksLag(t *testing.T) {
	b := testBus(t, WithBufferSize(4))

	release := make(chan struct{})
	var mu sync.Mutex
	var got []Envelope
	_, err := b.Subscribe(TopicHeartbeat, "slow", func(_ context.Context, e Envelope) {
		<-release
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	// one envelope occupies the worker, 4 fill the buffer, the rest drop
	for i := 0; i < 12; i++ {
		publish(t, b, TopicHeartbeat, i)
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var lagged bool
	for _, e := range got {
		if e.Lagged {
			lagged = true
		}
	}
	assert.True(t, lagged, "expected a lag marker after overflow")
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := testBus(t)

	_, err := b.Subscribe(TopicSystemStatus, "bad", func(_ context.Context, _ Envelope) {
		panic("boom")
	})
	require.NoError(t, err)

	received := make(chan struct{}, 1)
	_, err = b.Subscribe(TopicSystemStatus, "good", func(_ context.Context, _ Envelope) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	publish(t, b, TopicSystemStatus, "x")
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("peer subscriber starved by panicking handler")
	}
}

func TestRequestResponse(t *testing.T) {
	b := testBus(t)

	_, err := b.Subscribe(TopicRiskCheck, "server", func(_ context.Context, e Envelope) {
		require.NoError(t, b.Reply(e, map[string]string{"decision": "APPROVE"}))
	})
	require.NoError(t, err)

	req, err := NewEnvelope(TopicRiskCheck, "client", map[string]string{"order": "o-1"})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), req)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "APPROVE", out["decision"])
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestRequestTimeout(t *testing.T) {
	b := testBus(t)

	// no responder subscribed
	req, err := NewEnvelope(TopicRiskCheck, "client", "ping")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Request(ctx, req)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e, err := NewEnvelope(TopicTradingSignal, "strategy-engine", map[string]string{"symbol": "005930"})
	require.NoError(t, err)
	e.CorrelationID = "corr-1"

	raw, err := e.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Topic, decoded.Topic)
	assert.Equal(t, e.Version, decoded.Version)
	assert.Equal(t, e.CorrelationID, decoded.CorrelationID)
	assert.JSONEq(t, string(e.Payload), string(decoded.Payload))
}

func TestDecodeEnvelopeRejectsUnknownTopic(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"id":"1","topic":"not_a_topic","version":1}`))
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

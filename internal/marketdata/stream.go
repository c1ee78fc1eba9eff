package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

// StreamAdapter holds a long-lived WebSocket to the broker's realtime feed.
// On disconnect it re-subscribes every tracked symbol after reconnecting.
type StreamAdapter struct {
	name         string
	url          string
	pingInterval time.Duration
	log          *logger.Logger
	norm         *Normalizer

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}

	ticks  chan models.MarketTick
	health chan HealthEvent
	policy *reconnectPolicy
	closed chan struct{}
	once   sync.Once
}

// StreamOption configures a StreamAdapter.
type StreamOption func(*StreamAdapter)

// WithPingInterval overrides the keepalive ping cadence.
func WithPingInterval(d time.Duration) StreamOption {
	return func(a *StreamAdapter) {
		if d > 0 {
			a.pingInterval = d
		}
	}
}

// NewStreamAdapter creates a streaming adapter for the given WS endpoint.
func NewStreamAdapter(name, url string, log *logger.Logger, opts ...StreamOption) *StreamAdapter {
	a := &StreamAdapter{
		name:         name,
		url:          url,
		pingInterval: 30 * time.Second,
		log:          log,
		norm:         NewNormalizer(),
		symbols:      make(map[string]struct{}),
		ticks:        make(chan models.MarketTick, 1024),
		health:       make(chan HealthEvent, 16),
		policy:       newReconnectPolicy(),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *StreamAdapter) Name() string                    { return a.name }
func (a *StreamAdapter) Ticks() <-chan models.MarketTick { return a.ticks }
func (a *StreamAdapter) Health() <-chan HealthEvent      { return a.health }

// Connect dials the endpoint and starts the read and ping loops.
func (a *StreamAdapter) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("%s connect: %w", a.name, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.policy.reset()

	go a.pingLoop(ctx)
	go a.readLoop(ctx)
	a.log.Info("stream adapter connected", logger.String("adapter", a.name))
	return nil
}

// Subscribe registers a symbol with the feed.
func (a *StreamAdapter) Subscribe(ctx context.Context, symbol string) error {
	symbol = CanonicalSymbol(symbol)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("%s: not connected", a.name)
	}
	a.symbols[symbol] = struct{}{}
	return a.conn.WriteJSON(map[string]string{"type": "subscribe", "symbol": symbol})
}

// Unsubscribe removes a symbol from the feed.
func (a *StreamAdapter) Unsubscribe(ctx context.Context, symbol string) error {
	symbol = CanonicalSymbol(symbol)
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.symbols, symbol)
	if a.conn == nil {
		return nil
	}
	return a.conn.WriteJSON(map[string]string{"type": "unsubscribe", "symbol": symbol})
}

// Close tears down the connection and stops reconnect attempts.
func (a *StreamAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

func (a *StreamAdapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case <-ticker.C:
			a.mu.Lock()
			conn := a.conn
			a.mu.Unlock()
			if conn != nil {
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
			a.emitHealth(HealthEvent{Adapter: a.name, State: HealthHeartbeat, TS: time.Now().UTC()})
		}
	}
}

// wsFrame is the broker realtime frame shape.
type wsFrame struct {
	Type string `json:"type"`
	Data []struct {
		Symbol string `json:"symbol"`
		Time   int64  `json:"time"` // epoch millis
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"price"`
		Volume string `json:"volume"`
	} `json:"data"`
}

func (a *StreamAdapter) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			if !a.reconnect(ctx) {
				return
			}
			continue
		}

		_, b, err := conn.ReadMessage()
		if err != nil {
			a.emitHealth(HealthEvent{Adapter: a.name, State: HealthDisconnected, TS: time.Now().UTC(), Err: err})
			a.mu.Lock()
			a.conn = nil
			a.mu.Unlock()
			if !a.reconnect(ctx) {
				return
			}
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(b, &frame); err != nil || frame.Type != "tick" {
			continue
		}
		for _, d := range frame.Data {
			tick, err := a.norm.Normalize(RawTick{
				Symbol: d.Symbol,
				TS:     time.UnixMilli(d.Time),
				Open:   d.Open,
				High:   d.High,
				Low:    d.Low,
				Close:  d.Close,
				Volume: d.Volume,
				Source: models.SourceBrokerWS,
			})
			if err != nil {
				a.log.Warn("stream tick rejected", logger.String("adapter", a.name), logger.Error(err))
				continue
			}
			select {
			case a.ticks <- tick:
			default:
				// downstream throttles; drop rather than stall the socket
			}
		}
	}
}

// reconnect retries with backoff; false means the budget is exhausted.
func (a *StreamAdapter) reconnect(ctx context.Context) bool {
	for {
		delay, ok := a.policy.next(time.Now())
		if !ok {
			a.emitHealth(HealthEvent{Adapter: a.name, State: HealthFailed, TS: time.Now().UTC(), Err: ErrAdapterFailed})
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-a.closed:
			return false
		case <-time.After(delay):
		}

		if err := a.dialAndResubscribe(ctx); err != nil {
			a.log.Warn("stream reconnect failed", logger.String("adapter", a.name), logger.Error(err))
			continue
		}
		a.emitHealth(HealthEvent{Adapter: a.name, State: HealthReconnected, TS: time.Now().UTC()})
		return true
	}
}

func (a *StreamAdapter) dialAndResubscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	symbols := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		symbols = append(symbols, s)
	}
	a.mu.Unlock()

	for _, s := range symbols {
		if err := conn.WriteJSON(map[string]string{"type": "subscribe", "symbol": s}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", s, err)
		}
	}
	a.policy.reset()
	return nil
}

func (a *StreamAdapter) emitHealth(e HealthEvent) {
	select {
	case a.health <- e:
	default:
	}
}

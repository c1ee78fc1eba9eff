// Package store owns the cache key layout shared by the engines. Each
// keyspace has exactly one writing component; everyone else reads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/cache"
)

const (
	marketTTL    = 24 * time.Hour
	indicatorTTL = time.Hour
	orderbookTTL = 5 * time.Minute
	tradesCap    = 100
)

// Store wraps a cache.Service with the typed keyspaces of the platform.
type Store struct {
	c        cache.Service
	ringSize int64
}

// New creates a Store with the configured candle ring size.
func New(c cache.Service, ringSize int) *Store {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Store{c: c, ringSize: int64(ringSize)}
}

// Cache exposes the underlying service for callers that need raw access.
func (s *Store) Cache() cache.Service { return s.c }

// RingSize returns the configured candles-per-ring cap.
func (s *Store) RingSize() int { return int(s.ringSize) }

// --- market:{symbol} ---

// SetLatestTick stores the most recent tick for a symbol.
func (s *Store) SetLatestTick(ctx context.Context, t *models.MarketTick) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	return s.c.HSet(ctx, cache.Key("market", t.Symbol), map[string]string{
		"tick": string(raw),
		"ts":   t.TS.UTC().Format(time.RFC3339Nano),
	}, marketTTL)
}

// LatestTick loads the most recent tick for a symbol.
func (s *Store) LatestTick(ctx context.Context, symbol string) (*models.MarketTick, error) {
	raw, err := s.c.HGet(ctx, cache.Key("market", symbol), "tick")
	if err != nil {
		return nil, err
	}
	var t models.MarketTick
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal tick: %w", err)
	}
	return &t, nil
}

// --- candles:{symbol}:{interval} ---

// PushCandle prepends a closed candle; the ring cap is enforced by the write.
func (s *Store) PushCandle(ctx context.Context, c *models.Candle) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}
	return s.c.PushTrim(ctx, cache.Key("candles", c.Symbol, c.Interval), string(raw), s.ringSize)
}

// Candles returns up to limit candles, newest first.
func (s *Store) Candles(ctx context.Context, symbol string, iv models.Interval, limit int) ([]models.Candle, error) {
	if limit <= 0 || int64(limit) > s.ringSize {
		limit = int(s.ringSize)
	}
	rows, err := s.c.LRange(ctx, cache.Key("candles", symbol, iv), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		var c models.Candle
		if err := json.Unmarshal([]byte(row), &c); err != nil {
			return nil, fmt.Errorf("unmarshal candle: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// HeadCandle returns the newest ring entry, or nil when the ring is empty.
func (s *Store) HeadCandle(ctx context.Context, symbol string, iv models.Interval) (*models.Candle, error) {
	rows, err := s.c.LRange(ctx, cache.Key("candles", symbol, iv), 0, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	var c models.Candle
	if err := json.Unmarshal([]byte(rows[0]), &c); err != nil {
		return nil, fmt.Errorf("unmarshal candle: %w", err)
	}
	return &c, nil
}

// RingLen returns the current number of candles held for (symbol, interval).
func (s *Store) RingLen(ctx context.Context, symbol string, iv models.Interval) (int, error) {
	n, err := s.c.LLen(ctx, cache.Key("candles", symbol, iv))
	return int(n), err
}

// --- indicators:{symbol}:{interval} ---

// SetIndicators writes a full snapshot hash with the snapshot TTL.
func (s *Store) SetIndicators(ctx context.Context, snap *models.IndicatorSnapshot) error {
	fields := make(map[string]string, len(snap.Values)+1)
	for name, v := range snap.Values {
		fields[name] = v.String()
	}
	fields["_ts"] = snap.TS.UTC().Format(time.RFC3339Nano)
	return s.c.HSet(ctx, cache.Key("indicators", snap.Symbol, snap.Interval), fields, indicatorTTL)
}

// Indicators loads the cached indicator hash for (symbol, interval).
func (s *Store) Indicators(ctx context.Context, symbol string, iv models.Interval) (map[string]string, error) {
	return s.c.HGetAll(ctx, cache.Key("indicators", symbol, iv))
}

// --- positions:{symbol} ---

// SetPosition stores the canonical position snapshot for a symbol.
func (s *Store) SetPosition(ctx context.Context, p *models.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return s.c.Set(ctx, cache.Key("positions", p.Symbol), string(raw), 0)
}

// Position loads one position; cache.ErrCacheMiss when flat and collected.
func (s *Store) Position(ctx context.Context, symbol string) (*models.Position, error) {
	return cache.GetTyped[models.Position](ctx, s.c, cache.Key("positions", symbol))
}

// DeletePosition removes a garbage-collected flat position.
func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	return s.c.Delete(ctx, cache.Key("positions", symbol))
}

// --- orderbook:{symbol}:{bids|asks} ---

// SetOrderbookLevel upserts one price level. Bids and asks are separate
// sorted sets keyed by price.
func (s *Store) SetOrderbookLevel(ctx context.Context, symbol string, bid bool, price, qty string) error {
	side := "asks"
	if bid {
		side = "bids"
	}
	member, err := json.Marshal(map[string]string{"price": price, "qty": qty})
	if err != nil {
		return err
	}
	var score float64
	if _, err := fmt.Sscanf(price, "%f", &score); err != nil {
		return fmt.Errorf("orderbook price %q: %w", price, err)
	}
	return s.c.ZAdd(ctx, cache.Key("orderbook", symbol, side), score, string(member), orderbookTTL)
}

// OrderbookLevels returns up to limit levels, best first (bids descending,
// asks ascending).
func (s *Store) OrderbookLevels(ctx context.Context, symbol string, bid bool, limit int) ([]string, error) {
	side := "asks"
	if bid {
		side = "bids"
	}
	return s.c.ZRange(ctx, cache.Key("orderbook", symbol, side), 0, int64(limit)-1, bid)
}

// --- trades:{symbol} ---

// PushTrade records a recent execution, capped at 100 entries.
func (s *Store) PushTrade(ctx context.Context, f *models.Fill) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	return s.c.PushTrim(ctx, cache.Key("trades", f.Symbol), string(raw), tradesCap)
}

// --- orders:pending mirror ---

// MirrorPendingOrder persists a non-terminal order so a restart resumes the
// queue without loss.
func (s *Store) MirrorPendingOrder(ctx context.Context, o *models.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return s.c.HSet(ctx, "orders:pending", map[string]string{o.ID: string(raw)}, 0)
}

// RemovePendingOrder drops a terminal order from the mirror. The mirror hash
// is rewritten without the id.
func (s *Store) RemovePendingOrder(ctx context.Context, id string) error {
	all, err := s.c.HGetAll(ctx, "orders:pending")
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil
		}
		return err
	}
	delete(all, id)
	if err := s.c.Delete(ctx, "orders:pending"); err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	return s.c.HSet(ctx, "orders:pending", all, 0)
}

// PendingOrders loads all mirrored non-terminal orders.
func (s *Store) PendingOrders(ctx context.Context) ([]models.Order, error) {
	all, err := s.c.HGetAll(ctx, "orders:pending")
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]models.Order, 0, len(all))
	for _, raw := range all {
		var o models.Order
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("unmarshal pending order: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

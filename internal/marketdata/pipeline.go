package marketdata

import (
	"context"
	"sync"
	"time"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/internal/store"
	"qbtrade/pkg/logger"
)

// Metrics is the pipeline's metrics surface.
type Metrics interface {
	RecordTickAccepted(symbol string)
	RecordTickDropped(gate string)
	RecordCandleClosed(interval string)
	RecordLastPrice(symbol string, price float64)
	RecordError(kind string)
}

// QualityIssue is the payload of a quality_issue envelope.
type QualityIssue struct {
	Symbol   string    `json:"symbol"`
	Gate     string    `json:"gate"`
	Severity string    `json:"severity"`
	Detail   string    `json:"detail"`
	TS       time.Time `json:"ts"`
}

// Pipeline fans in adapter ticks, gates them, maintains the candle rings
// and publishes market_data_received / candle_closed. A single goroutine
// consumes all ticks, which makes it the sole writer per (symbol, interval).
type Pipeline struct {
	adapters []Adapter
	eb       bus.Bus
	st       *store.Store
	log      *logger.Logger
	metrics  Metrics

	checker  *QualityChecker
	builder  *CandleBuilder
	throttle *Throttle

	flushEvery time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithThrottle installs an adapter-facing throttle.
func WithThrottle(t *Throttle) PipelineOption {
	return func(p *Pipeline) { p.throttle = t }
}

// WithFlushInterval overrides the wall-clock bucket flush cadence.
func WithFlushInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.flushEvery = d
		}
	}
}

// NewPipeline creates the market data pipeline.
func NewPipeline(
	adapters []Adapter,
	eb bus.Bus,
	st *store.Store,
	checker *QualityChecker,
	builder *CandleBuilder,
	log *logger.Logger,
	metrics Metrics,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		adapters:   adapters,
		eb:         eb,
		st:         st,
		log:        log,
		metrics:    metrics,
		checker:    checker,
		builder:    builder,
		flushEvery: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start connects adapters, subscribes symbols and begins consuming.
func (p *Pipeline) Start(ctx context.Context, symbols []string) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	merged := make(chan models.MarketTick, 2048)
	for _, a := range p.adapters {
		if err := a.Connect(ctx); err != nil {
			p.log.Error("adapter connect", logger.String("adapter", a.Name()), logger.Error(err))
			p.metrics.RecordError("adapter_connect")
			continue
		}
		for _, s := range symbols {
			if err := a.Subscribe(ctx, s); err != nil {
				p.log.Warn("subscribe failed",
					logger.String("adapter", a.Name()),
					logger.String("symbol", s),
					logger.Error(err),
				)
			}
		}
		adapter := a
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			p.fanIn(ctx, adapter, merged)
		}()
		go func() {
			defer p.wg.Done()
			p.watchHealth(ctx, adapter)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.consume(ctx, merged)
	}()
	return nil
}

// Stop cancels the workers and closes the adapters.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, a := range p.adapters {
		_ = a.Close()
	}
	p.wg.Wait()
}

func (p *Pipeline) fanIn(ctx context.Context, a Adapter, merged chan<- models.MarketTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-a.Ticks():
			if !ok {
				return
			}
			if p.throttle != nil && !p.throttle.Allow(t.Symbol) {
				p.metrics.RecordTickDropped("throttle")
				continue
			}
			select {
			case merged <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) watchHealth(ctx context.Context, a Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-a.Health():
			if !ok {
				return
			}
			switch h.State {
			case HealthFailed:
				p.metrics.RecordError("adapter_failed")
				p.publishStatus(h)
			case HealthDisconnected:
				p.metrics.RecordError("adapter_disconnected")
			}
		}
	}
}

func (p *Pipeline) publishStatus(h HealthEvent) {
	e, err := bus.NewEnvelope(bus.TopicSystemStatus, "pipeline", map[string]string{
		"component": h.Adapter,
		"state":     string(h.State),
	})
	if err != nil {
		return
	}
	_ = p.eb.Publish(e)
}

func (p *Pipeline) consume(ctx context.Context, merged <-chan models.MarketTick) {
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.closeCandles(ctx, p.builder.Flush(time.Now().UTC()))
		case t := <-merged:
			p.handleTick(ctx, &t)
		}
	}
}

func (p *Pipeline) handleTick(ctx context.Context, t *models.MarketTick) {
	res := p.checker.Check(t, time.Now().UTC())
	switch res.Outcome {
	case GateDropSilent:
		p.metrics.RecordTickDropped(res.Gate)
		return
	case GateDrop:
		p.metrics.RecordTickDropped(res.Gate)
		p.publishQualityIssue(t, res)
		return
	case GateWarn:
		p.log.Warn("tick quality warning",
			logger.String("symbol", t.Symbol),
			logger.String("gate", res.Gate),
			logger.String("detail", res.Detail),
		)
		p.publishQualityIssue(t, res)
	}

	if err := p.st.SetLatestTick(ctx, t); err != nil {
		p.metrics.RecordError("cache_write")
		p.log.Error("latest tick write", logger.String("symbol", t.Symbol), logger.Error(err))
	}
	price, _ := t.Close.Float64()
	p.metrics.RecordLastPrice(t.Symbol, price)
	p.metrics.RecordTickAccepted(t.Symbol)

	if e, err := bus.NewEnvelope(bus.TopicMarketDataReceived, "pipeline", t); err == nil {
		_ = p.eb.Publish(e)
	}

	p.closeCandles(ctx, p.builder.Apply(t))
}

func (p *Pipeline) closeCandles(ctx context.Context, closed []models.Candle) {
	for i := range closed {
		c := &closed[i]
		if err := p.st.PushCandle(ctx, c); err != nil {
			p.metrics.RecordError("ring_write")
			p.log.Error("ring write",
				logger.String("symbol", c.Symbol),
				logger.String("interval", string(c.Interval)),
				logger.Error(err),
			)
			continue
		}
		p.metrics.RecordCandleClosed(string(c.Interval))
		if e, err := bus.NewEnvelope(bus.TopicCandleClosed, "pipeline", c); err == nil {
			_ = p.eb.Publish(e)
		}
	}
}

func (p *Pipeline) publishQualityIssue(t *models.MarketTick, res GateResult) {
	issue := QualityIssue{
		Symbol:   t.Symbol,
		Gate:     res.Gate,
		Severity: res.Severity,
		Detail:   res.Detail,
		TS:       time.Now().UTC(),
	}
	if e, err := bus.NewEnvelope(bus.TopicQualityIssue, "pipeline", issue); err == nil {
		_ = p.eb.Publish(e)
	}
}

package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/internal/domain/repository"
	"qbtrade/internal/risk"
	"qbtrade/internal/store"
	"qbtrade/pkg/config"
	"qbtrade/pkg/logger"
)

// RetriableError marks broker failures worth retrying (429/5xx class).
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// IsRetriable reports whether a broker error should be retried.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// TradeRecorder receives realized round-trip results for strategy
// performance attribution.
type TradeRecorder interface {
	RecordTrade(strategy, symbol string, pnl decimal.Decimal, ts time.Time)
}

// Engine converts trading signals into orders, runs them past the risk
// engine, submits through the broker and tracks execution to terminal state.
type Engine struct {
	eb      bus.Bus
	st      *store.Store
	broker  repository.BrokerClient
	book    *PositionBook
	queue   *Queue
	comm    *CommissionCalculator
	sizer   *risk.Sizer
	archive repository.HistoryArchive
	perf    TradeRecorder
	log     *logger.Logger
	metrics repository.Metrics

	riskTimeout    time.Duration
	stallThreshold time.Duration
	maxFills       int
	maxConcurrent  int
	symbols        map[string]struct{}

	mu       sync.Mutex
	trackers map[string]*ExecutionTracker // by client order id
	byBroker map[string]string            // broker order id -> client order id

	paused atomic.Bool // emergency stop gate: nothing submits while set

	subs   []bus.Subscription
	wg     sync.WaitGroup
	cancel context.CancelFunc
	wake   chan struct{}
}

// NewEngine creates the order engine.
func NewEngine(
	cfg *config.Config,
	eb bus.Bus,
	st *store.Store,
	broker repository.BrokerClient,
	book *PositionBook,
	comm *CommissionCalculator,
	sizer *risk.Sizer,
	archive repository.HistoryArchive,
	log *logger.Logger,
	metrics repository.Metrics,
) *Engine {
	symbols := make(map[string]struct{}, len(cfg.Market.Symbols))
	for _, s := range cfg.Market.Symbols {
		symbols[s] = struct{}{}
	}
	return &Engine{
		eb:             eb,
		st:             st,
		broker:         broker,
		book:           book,
		queue:          NewQueue(cfg.Order.MaxQueueSize, cfg.Order.PriorityTimeout, cfg.Order.StrategyPriority),
		comm:           comm,
		sizer:          sizer,
		archive:        archive,
		log:            log,
		metrics:        metrics,
		riskTimeout:    cfg.Risk.CheckTimeout,
		stallThreshold: cfg.Order.MaxPartialFillTime,
		maxFills:       cfg.Order.MaxFillsPerOrder,
		maxConcurrent:  cfg.Order.MaxConcurrentSubmissions,
		symbols:        symbols,
		trackers:       make(map[string]*ExecutionTracker),
		byBroker:       make(map[string]string),
		wake:           make(chan struct{}, 1),
	}
}

// Start wires subscriptions, restores the mirrored queue and launches the
// submission and watchdog workers.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.restore(ctx); err != nil {
		e.log.Warn("order queue restore", logger.Error(err))
	}

	sigSub, err := e.eb.Subscribe(bus.TopicTradingSignal, "order-engine", func(ctx context.Context, env bus.Envelope) {
		var sig models.TradingSignal
		if err := env.Decode(&sig); err != nil {
			e.log.Error("signal decode", logger.Error(err))
			return
		}
		e.handleSignal(ctx, &sig)
	})
	if err != nil {
		return fmt.Errorf("order engine subscribe signals: %w", err)
	}
	tickSub, err := e.eb.Subscribe(bus.TopicMarketDataReceived, "order-engine", func(ctx context.Context, env bus.Envelope) {
		var t models.MarketTick
		if err := env.Decode(&t); err != nil {
			return
		}
		e.book.Mark(ctx, t.Symbol, t.Close)
	})
	if err != nil {
		sigSub.Unsubscribe()
		return fmt.Errorf("order engine subscribe ticks: %w", err)
	}
	esSub, err := e.eb.Subscribe(bus.TopicEmergencyStop, "order-engine", func(_ context.Context, env bus.Envelope) {
		var ev models.EmergencyStopEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		e.paused.Store(ev.Active)
		if ev.Active {
			e.log.Error("order submission halted by emergency stop", logger.String("reason", ev.Reason))
		} else {
			e.log.Info("order submission resumed")
			e.kick()
		}
	})
	if err != nil {
		sigSub.Unsubscribe()
		tickSub.Unsubscribe()
		return fmt.Errorf("order engine subscribe emergency: %w", err)
	}
	e.subs = []bus.Subscription{sigSub, tickSub, esSub}

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.submitLoop(ctx) }()
	go func() { defer e.wg.Done(); e.brokerLoop(ctx) }()
	go func() { defer e.wg.Done(); e.watchdogLoop(ctx) }()
	return nil
}

// Stop detaches and waits for workers.
func (e *Engine) Stop() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// restore re-enqueues mirrored non-terminal orders after a restart.
func (e *Engine) restore(ctx context.Context) error {
	pending, err := e.st.PendingOrders(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		o := pending[i]
		if o.State.IsTerminal() {
			_ = e.st.RemovePendingOrder(ctx, o.ID)
			continue
		}
		if err := e.queue.Enqueue(&o, false); err != nil {
			e.log.Warn("restore enqueue", logger.String("order_id", o.ID), logger.Error(err))
		}
	}
	if len(pending) > 0 {
		e.log.Info("order queue restored", logger.Int("orders", len(pending)))
		e.kick()
	}
	return nil
}

// handleSignal runs intake: convert, validate, risk-check, enqueue.
func (e *Engine) handleSignal(ctx context.Context, sig *models.TradingSignal) {
	o, err := e.convert(sig)
	if err != nil {
		e.log.Warn("signal rejected", logger.String("symbol", sig.Symbol), logger.Error(err))
		e.publishFailed(o, sig, err.Error())
		return
	}
	if err := e.validate(o); err != nil {
		e.publishFailed(o, sig, err.Error())
		return
	}

	result, err := e.riskCheck(ctx, o, sig)
	if err != nil || !result.Approved() {
		reason := "risk_check_failed"
		if err == nil && len(result.Reasons) > 0 {
			reason = result.Reasons[0]
		}
		e.publishFailed(o, sig, reason)
		return
	}
	if result.Decision == models.RiskAdjust {
		o.Quantity = result.AdjustedQty
	}

	o.State = models.StateQueued
	o.UpdatedTS = time.Now().UTC()
	if err := e.queue.Enqueue(o, sig.IsLiquidation()); err != nil {
		reason := err.Error()
		if errors.Is(err, ErrDuplicateInFlight) {
			reason = "duplicate_in_flight"
		}
		e.publishFailed(o, sig, reason)
		return
	}
	e.book.CountOrder(o.CreatedTS)
	if err := e.st.MirrorPendingOrder(ctx, o); err != nil {
		e.log.Warn("order mirror", logger.String("order_id", o.ID), logger.Error(err))
	}
	e.metrics.RecordQueueDepth(e.queue.Len())
	e.kick()
}

// convert maps a signal to an order. Session-close and stop-loss signals
// become market orders; everything else is a limit at the suggested price.
func (e *Engine) convert(sig *models.TradingSignal) (*models.Order, error) {
	now := time.Now().UTC()
	o := &models.Order{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		TIF:          models.TIFDay,
		State:        models.StateNew,
		StrategyName: sig.StrategyName,
		CreatedTS:    now,
		UpdatedTS:    now,
		Price:        sig.SuggestedPrice,
	}

	switch sig.Action {
	case models.ActionBuy:
		o.Side = models.SideBuy
	case models.ActionSell, models.ActionHoldExit:
		o.Side = models.SideSell
	default:
		return o, fmt.Errorf("unknown action %q", sig.Action)
	}

	if sig.IsLiquidation() {
		o.Type = models.TypeMarket
	} else {
		o.Type = models.TypeLimit
	}

	switch o.Side {
	case models.SideSell:
		pos := e.book.Position(sig.Symbol)
		if pos == nil || pos.Qty <= 0 {
			return o, fmt.Errorf("no position to sell")
		}
		o.Quantity = pos.Qty
	case models.SideBuy:
		rctx, err := e.book.RiskContext(context.Background())
		if err != nil {
			return o, err
		}
		qty := e.sizer.Recommend(risk.SizeFixedFractional, risk.SizingInput{
			PortfolioValue: rctx.PortfolioValue,
			EntryPrice:     sig.SuggestedPrice,
		})
		if qty < 1 {
			return o, fmt.Errorf("sized to zero quantity")
		}
		o.Quantity = qty
	}
	return o, nil
}

func (e *Engine) validate(o *models.Order) error {
	if _, ok := e.symbols[o.Symbol]; !ok {
		return fmt.Errorf("unknown symbol %s", o.Symbol)
	}
	if o.Quantity < 1 {
		return fmt.Errorf("quantity below one")
	}
	if o.Type == models.TypeLimit && o.Price.Sign() <= 0 {
		return fmt.Errorf("limit order without positive price")
	}
	return nil
}

// riskCheck issues the synchronous bus request; a timeout is a rejection.
func (e *Engine) riskCheck(ctx context.Context, o *models.Order, sig *models.TradingSignal) (models.RiskCheckResult, error) {
	req := models.RiskCheckRequest{Order: *o, Signal: *sig}
	env, err := bus.NewEnvelope(bus.TopicRiskCheck, "order-engine", &req)
	if err != nil {
		return models.RiskCheckResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.riskTimeout)
	defer cancel()

	resp, err := e.eb.Request(ctx, env)
	if err != nil {
		e.metrics.RecordError("risk_check_timeout")
		return models.RiskCheckResult{Decision: models.RiskReject, Reasons: []string{"risk_check_timeout"}}, err
	}
	var result models.RiskCheckResult
	if err := resp.Decode(&result); err != nil {
		return models.RiskCheckResult{Decision: models.RiskReject}, err
	}
	return result, nil
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// submitLoop drains the priority queue under the concurrency cap.
func (e *Engine) submitLoop(ctx context.Context) {
	sem := make(chan struct{}, e.maxConcurrent)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}

		for !e.paused.Load() {
			o, expired, ok := e.queue.Dequeue(time.Now().UTC())
			for _, ex := range expired {
				e.failOrder(ctx, ex, "expired")
			}
			if !ok {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			order := o
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer func() { <-sem }()
				e.submit(ctx, order)
			}()
		}
		e.metrics.RecordQueueDepth(e.queue.Len())
	}
}

// submit places one order with bounded retries on retriable errors.
func (e *Engine) submit(ctx context.Context, o *models.Order) {
	if e.paused.Load() {
		// emergency stop armed while dequeued: push back as failed
		e.failOrder(ctx, o, risk.ReasonEmergencyStop)
		return
	}

	// the tracker registers before placement so a fill that arrives while
	// Place is still returning finds its order
	tr := NewExecutionTracker(o, e.maxFills)
	e.mu.Lock()
	e.trackers[o.ID] = tr
	e.mu.Unlock()

	var brokerID string
	var err error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		brokerID, err = e.broker.Place(ctx, o)
		if err == nil {
			break
		}
		if !IsRetriable(err) || attempt == 3 {
			e.failOrder(ctx, o, fmt.Sprintf("broker: %v", err))
			return
		}
		e.log.Warn("place retry",
			logger.String("order_id", o.ID),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	snapshot := tr.MarkSubmitted(brokerID, time.Now().UTC())

	e.mu.Lock()
	e.byBroker[brokerID] = o.ID
	e.mu.Unlock()

	if err := e.st.MirrorPendingOrder(ctx, &snapshot); err != nil {
		e.log.Warn("order mirror", logger.String("order_id", snapshot.ID), logger.Error(err))
	}
	e.publishOrderEvent(bus.TopicOrderPlaced, &snapshot)
	e.log.Info("order submitted",
		logger.String("order_id", snapshot.ID),
		logger.String("symbol", snapshot.Symbol),
		logger.String("side", string(snapshot.Side)),
		logger.Int64("qty", snapshot.Quantity),
	)
}

// brokerLoop consumes fill and status pushes from the broker.
func (e *Engine) brokerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-e.broker.Fills():
			if !ok {
				return
			}
			e.onFill(ctx, fn)
		case sc, ok := <-e.broker.StatusChanges():
			if !ok {
				return
			}
			e.onStatus(ctx, sc)
		}
	}
}

func (e *Engine) trackerFor(clientID, brokerID string) *ExecutionTracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if clientID == "" {
		clientID = e.byBroker[brokerID]
	}
	return e.trackers[clientID]
}

func (e *Engine) onFill(ctx context.Context, fn repository.FillNotification) {
	tr := e.trackerFor(fn.ClientOrderID, fn.BrokerOrderID)
	if tr == nil {
		e.log.Warn("fill for unknown order", logger.String("broker_order_id", fn.BrokerOrderID))
		e.metrics.RecordError("orphan_fill")
		return
	}
	snapshot := tr.Order()
	price, err := decimal.NewFromString(fn.Price)
	if err != nil || price.Sign() <= 0 {
		e.log.Error("fill with bad price", logger.String("price", fn.Price), logger.Error(err))
		return
	}

	fill := models.Fill{
		FillID:     uuid.NewString(),
		OrderID:    snapshot.ID,
		Symbol:     snapshot.Symbol,
		Side:       snapshot.Side,
		Qty:        fn.Qty,
		Price:      price,
		Commission: e.comm.Total(snapshot.Side, price, fn.Qty),
		TS:         fn.TS,
	}

	if fill.Side == models.SideSell && e.perf != nil {
		if pos := e.book.Position(fill.Symbol); pos != nil && pos.AvgCost.Sign() > 0 {
			realized := fill.Price.Sub(pos.AvgCost).
				Mul(decimal.NewFromInt(fill.Qty)).
				Sub(fill.Commission)
			e.perf.RecordTrade(snapshot.StrategyName, fill.Symbol, realized, fill.TS)
		}
	}

	updated, ok := tr.Apply(fill)
	if !ok {
		e.log.Warn("fill rejected by tracker",
			logger.String("order_id", snapshot.ID),
			logger.Int("rejected_total", tr.RejectedFills()),
		)
		e.metrics.RecordError("fill_rejected")
		return
	}

	e.metrics.RecordFill(string(fill.Side))
	e.book.ApplyFill(ctx, &fill)
	if err := e.st.PushTrade(ctx, &fill); err != nil {
		e.log.Warn("trade cache", logger.Error(err))
	}
	if e.archive != nil {
		if err := e.archive.ArchiveFill(ctx, &fill); err != nil {
			e.log.Warn("fill archive", logger.Error(err))
		}
	}

	if updated.State == models.StateFilled {
		e.finalize(ctx, &updated, bus.TopicOrderFullyExecuted)
	} else {
		e.publishOrderEvent(bus.TopicOrderPartiallyExecuted, &updated)
		if err := e.st.MirrorPendingOrder(ctx, &updated); err != nil {
			e.log.Warn("order mirror", logger.Error(err))
		}
	}
}

func (e *Engine) onStatus(ctx context.Context, sc repository.StatusChange) {
	tr := e.trackerFor(sc.ClientOrderID, sc.BrokerOrderID)
	if tr == nil {
		return
	}
	snapshot := tr.Order()
	switch sc.Status {
	case "cancelled":
		snapshot.State = models.StateCancelled
		snapshot.FailReason = sc.Reason
		e.finalize(ctx, &snapshot, bus.TopicOrderCancelled)
	case "rejected":
		snapshot.State = models.StateRejected
		snapshot.FailReason = sc.Reason
		e.finalize(ctx, &snapshot, bus.TopicOrderFailed)
	}
}

// watchdogLoop enforces the partial-fill stall policy and GCs flat
// positions.
func (e *Engine) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()

		e.mu.Lock()
		trackers := make([]*ExecutionTracker, 0, len(e.trackers))
		for _, tr := range e.trackers {
			trackers = append(trackers, tr)
		}
		e.mu.Unlock()

		for _, tr := range trackers {
			stalled, cancel := tr.StallCheck(now, e.stallThreshold)
			o := tr.Order()
			if stalled {
				e.log.Warn("partial fill stalled",
					logger.String("order_id", o.ID),
					logger.Int64("filled", o.FilledQty),
					logger.Int64("qty", o.Quantity),
				)
				e.publishStatus("partial_fill_stalled", &o)
			}
			if cancel {
				if err := e.broker.Cancel(ctx, o.BrokerOrderID); err != nil {
					e.log.Error("stall cancel", logger.String("order_id", o.ID), logger.Error(err))
					continue
				}
				o.State = models.StateCancelled
				o.FailReason = "partial_fill_stalled"
				e.finalize(ctx, &o, bus.TopicOrderCancelled)
			}
		}

		e.book.GCFlat(ctx, time.Hour)
	}
}

// finalize moves an order to its terminal state: events, mirror cleanup,
// queue release, archive.
func (e *Engine) finalize(ctx context.Context, o *models.Order, topic bus.Topic) {
	o.UpdatedTS = time.Now().UTC()
	e.mu.Lock()
	delete(e.trackers, o.ID)
	if o.BrokerOrderID != "" {
		delete(e.byBroker, o.BrokerOrderID)
	}
	e.mu.Unlock()

	e.queue.Release(o)
	if err := e.st.RemovePendingOrder(ctx, o.ID); err != nil {
		e.log.Warn("mirror cleanup", logger.Error(err))
	}
	e.metrics.RecordOrderState(string(o.State))
	e.publishOrderEvent(topic, o)
	if e.archive != nil {
		if err := e.archive.ArchiveOrder(ctx, o); err != nil {
			e.log.Warn("order archive", logger.Error(err))
		}
	}
}

func (e *Engine) failOrder(ctx context.Context, o *models.Order, reason string) {
	o.State = models.StateFailed
	o.FailReason = reason
	e.finalize(ctx, o, bus.TopicOrderFailed)
}

// publishFailed reports an intake rejection; the order never reached the
// queue.
func (e *Engine) publishFailed(o *models.Order, sig *models.TradingSignal, reason string) {
	if o == nil {
		o = &models.Order{Symbol: sig.Symbol, StrategyName: sig.StrategyName}
	}
	o.State = models.StateRejected
	o.FailReason = reason
	e.metrics.RecordOrderState(string(models.StateRejected))
	e.publishOrderEvent(bus.TopicOrderFailed, o)
}

func (e *Engine) publishOrderEvent(topic bus.Topic, o *models.Order) {
	if env, err := bus.NewEnvelope(topic, "order-engine", o); err == nil {
		_ = e.eb.Publish(env)
	}
}

func (e *Engine) publishStatus(event string, o *models.Order) {
	payload := map[string]string{
		"event":    event,
		"order_id": o.ID,
		"symbol":   o.Symbol,
	}
	if env, err := bus.NewEnvelope(bus.TopicSystemStatus, "order-engine", payload); err == nil {
		_ = e.eb.Publish(env)
	}
}

// Orders returns snapshots of all in-flight tracked orders (read-only query
// surface).
func (e *Engine) Orders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Order, 0, len(e.trackers))
	for _, tr := range e.trackers {
		out = append(out, tr.Order())
	}
	return out
}

// SetTradeRecorder attaches performance attribution for realized trades.
func (e *Engine) SetTradeRecorder(r TradeRecorder) { e.perf = r }

// Book exposes the position ledger read-only.
func (e *Engine) Book() *PositionBook { return e.book }

// QueueDepth reports pending orders.
func (e *Engine) QueueDepth() int { return e.queue.Len() }

package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

const maxConsecutiveTimeouts = 3

// Engine owns strategy instances and dispatches indicator updates to the
// active strategies subscribed to each symbol.
type Engine struct {
	eb       bus.Bus
	log      *logger.Logger
	registry *Registry
	timeout  time.Duration
	perf     *PerformanceTracker

	mu        sync.RWMutex
	instances map[string]*instance

	sub bus.Subscription
}

type instance struct {
	strat    Strategy
	params   map[string]string
	symbols  map[string]struct{}
	active   bool
	timeouts int
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithAnalyzeTimeout bounds each Analyze invocation (default 200ms).
func WithAnalyzeTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPerformanceTracker attaches signal/fill performance tracking.
func WithPerformanceTracker(p *PerformanceTracker) EngineOption {
	return func(e *Engine) { e.perf = p }
}

// NewEngine creates the strategy engine over the given registry.
func NewEngine(eb bus.Bus, registry *Registry, log *logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		eb:        eb,
		log:       log,
		registry:  registry,
		timeout:   200 * time.Millisecond,
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load instantiates a registered strategy for the given symbols and
// activates it.
func (e *Engine) Load(ctx context.Context, name string, params map[string]string, symbols []string) error {
	strat, err := e.registry.Build(name, params)
	if err != nil {
		return err
	}
	symSet := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		symSet[s] = struct{}{}
	}

	e.mu.Lock()
	if _, ok := e.instances[name]; ok {
		e.mu.Unlock()
		return fmt.Errorf("strategy %q already loaded", name)
	}
	e.instances[name] = &instance{strat: strat, params: params, symbols: symSet, active: true}
	e.mu.Unlock()

	if err := strat.OnStart(ctx); err != nil {
		e.mu.Lock()
		delete(e.instances, name)
		e.mu.Unlock()
		return fmt.Errorf("strategy %q start: %w", name, err)
	}
	e.publishLifecycle(bus.TopicStrategyActivated, name, "loaded")
	return nil
}

// Unload deactivates and removes a strategy instance and its state.
func (e *Engine) Unload(ctx context.Context, name string) error {
	e.mu.Lock()
	inst, ok := e.instances[name]
	if ok {
		delete(e.instances, name)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %q not loaded", name)
	}
	if err := inst.strat.OnStop(ctx); err != nil {
		e.log.Warn("strategy stop", logger.String("strategy", name), logger.Error(err))
	}
	e.publishLifecycle(bus.TopicStrategyDeactivated, name, "unloaded")
	return nil
}

// Reload hot-swaps a strategy: the old instance stops, a fresh one starts
// with the new parameters, private state reset.
func (e *Engine) Reload(ctx context.Context, name string, params map[string]string) error {
	e.mu.RLock()
	inst, ok := e.instances[name]
	var symbols []string
	if ok {
		for s := range inst.symbols {
			symbols = append(symbols, s)
		}
		if params == nil {
			params = inst.params
		}
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %q not loaded", name)
	}
	if err := e.Unload(ctx, name); err != nil {
		return err
	}
	return e.Load(ctx, name, params, symbols)
}

// Activate re-enables a deactivated strategy and resets its failure count.
func (e *Engine) Activate(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[name]
	if !ok {
		return fmt.Errorf("strategy %q not loaded", name)
	}
	inst.active = true
	inst.timeouts = 0
	e.publishLifecycle(bus.TopicStrategyActivated, name, "manual")
	return nil
}

// Deactivate stops dispatching to a strategy without unloading it.
func (e *Engine) Deactivate(name, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[name]
	if !ok {
		return fmt.Errorf("strategy %q not loaded", name)
	}
	inst.active = false
	e.publishLifecycle(bus.TopicStrategyDeactivated, name, reason)
	return nil
}

// Loaded lists loaded strategies and whether each is active.
func (e *Engine) Loaded() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.instances))
	for name, inst := range e.instances {
		out[name] = inst.active
	}
	return out
}

// Start subscribes to indicators_updated.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.eb.Subscribe(bus.TopicIndicatorsUpdated, "strategy-engine", func(ctx context.Context, env bus.Envelope) {
		var snap models.IndicatorSnapshot
		if err := env.Decode(&snap); err != nil {
			e.log.Error("snapshot decode", logger.Error(err))
			return
		}
		e.Dispatch(ctx, &snap)
	})
	if err != nil {
		return fmt.Errorf("strategy engine subscribe: %w", err)
	}
	e.sub = sub
	return nil
}

// Stop detaches from the bus and stops every instance.
func (e *Engine) Stop(ctx context.Context) {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	e.mu.Lock()
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()
	for _, inst := range insts {
		_ = inst.strat.OnStop(ctx)
	}
}

// Dispatch runs every active strategy subscribed to the snapshot's symbol.
func (e *Engine) Dispatch(ctx context.Context, snap *models.IndicatorSnapshot) {
	e.mu.RLock()
	var targets []*instance
	var names []string
	for name, inst := range e.instances {
		if !inst.active {
			continue
		}
		if _, ok := inst.symbols[snap.Symbol]; !ok {
			continue
		}
		targets = append(targets, inst)
		names = append(names, name)
	}
	e.mu.RUnlock()

	for i, inst := range targets {
		e.runOne(ctx, names[i], inst, snap)
	}
}

func (e *Engine) runOne(ctx context.Context, name string, inst *instance, snap *models.IndicatorSnapshot) {
	// required indicators must be present; skip otherwise
	for _, req := range inst.strat.RequiredIndicators() {
		if _, ok := snap.Values[req]; !ok {
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		sig *models.TradingSignal
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sig, err := inst.strat.Analyze(ctx, snap)
		ch <- result{sig: sig, err: err}
	}()

	select {
	case res := <-ch:
		e.mu.Lock()
		inst.timeouts = 0
		e.mu.Unlock()
		if res.err != nil {
			e.log.Error("strategy analyze", logger.String("strategy", name), logger.Error(res.err))
			return
		}
		if res.sig != nil {
			e.emit(name, res.sig)
		}
	case <-ctx.Done():
		e.onTimeout(name, inst)
	}
}

func (e *Engine) onTimeout(name string, inst *instance) {
	e.mu.Lock()
	inst.timeouts++
	n := inst.timeouts
	deactivate := n >= maxConsecutiveTimeouts && inst.active
	if deactivate {
		inst.active = false
	}
	e.mu.Unlock()

	e.log.Warn("strategy analyze timeout", logger.String("strategy", name), logger.Int("consecutive", n))
	if deactivate {
		e.publishLifecycle(bus.TopicStrategyDeactivated, name, "timeout")
	}
}

func (e *Engine) emit(name string, sig *models.TradingSignal) {
	sig.StrategyName = name
	env, err := bus.NewEnvelope(bus.TopicTradingSignal, "strategy-engine", sig)
	if err != nil {
		e.log.Error("signal envelope", logger.String("strategy", name), logger.Error(err))
		return
	}
	env.CorrelationID = uuid.NewString()
	if err := e.eb.Publish(env); err != nil {
		e.log.Error("signal publish", logger.String("strategy", name), logger.Error(err))
		return
	}
	if e.perf != nil {
		e.perf.RecordSignal(sig)
	}
}

func (e *Engine) publishLifecycle(topic bus.Topic, name, reason string) {
	env, err := bus.NewEnvelope(topic, "strategy-engine", map[string]string{
		"strategy": name,
		"reason":   reason,
	})
	if err != nil {
		return
	}
	_ = e.eb.Publish(env)
}

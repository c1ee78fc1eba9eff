package risk

import (
	"context"
	"fmt"
	"time"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

// ContextProvider supplies the portfolio snapshot a decision runs against.
// The order engine implements it over its position book; tests use a stub.
type ContextProvider interface {
	RiskContext(ctx context.Context) (*models.RiskContext, error)
}

// Metrics is the risk engine's metrics surface.
type Metrics interface {
	RecordRiskDecision(decision string)
	RecordLatency(op string, seconds float64)
}

// Engine evaluates the ordered rule chain for each intended order and
// serves risk_check requests over the bus.
type Engine struct {
	eb       bus.Bus
	provider ContextProvider
	limits   Limits
	es       *EmergencyStop
	rules    []rule
	log      *logger.Logger
	metrics  Metrics
	budget   time.Duration

	sub bus.Subscription
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithBudget overrides the per-check time budget (default 50ms).
func WithBudget(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.budget = d
		}
	}
}

// NewEngine creates the synchronous decision engine.
func NewEngine(eb bus.Bus, provider ContextProvider, limits Limits, es *EmergencyStop, log *logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		eb:       eb,
		provider: provider,
		limits:   limits,
		es:       es,
		rules:    orderedRules(es),
		log:      log,
		budget:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check evaluates the rule chain. The first reject decides; an adjust
// shrinks the order and the remaining rules run on the adjusted quantity,
// so a later reject still wins. An unavailable context rejects with
// context_unavailable.
func (e *Engine) Check(ctx context.Context, req *models.RiskCheckRequest) models.RiskCheckResult {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordLatency("risk_check", time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	rctx, err := e.provider.RiskContext(ctx)
	if err != nil || rctx == nil {
		e.log.Warn("risk context unavailable", logger.Error(err))
		return e.record(models.RiskCheckResult{
			Decision: models.RiskReject,
			Reasons:  []string{ReasonContextUnavailable},
		})
	}

	result := models.RiskCheckResult{Decision: models.RiskApprove}
	for _, r := range e.rules {
		select {
		case <-ctx.Done():
			return e.record(models.RiskCheckResult{
				Decision: models.RiskReject,
				Reasons:  []string{ReasonContextUnavailable},
			})
		default:
		}

		out := r.eval(req, rctx, e.limits)
		switch out.decision {
		case models.RiskApprove:
			continue
		case models.RiskAdjust:
			req.Order.Quantity = out.adjustedQty
			result = models.RiskCheckResult{
				Decision:    models.RiskAdjust,
				AdjustedQty: out.adjustedQty,
				Reasons:     []string{out.reason},
			}
			// an adjusted order still runs the remaining rules
		case models.RiskReject:
			return e.record(models.RiskCheckResult{
				Decision: models.RiskReject,
				Reasons:  []string{out.reason},
			})
		}
	}
	return e.record(result)
}

func (e *Engine) record(r models.RiskCheckResult) models.RiskCheckResult {
	if e.metrics != nil {
		e.metrics.RecordRiskDecision(string(r.Decision))
	}
	return r
}

// Serve subscribes to risk_check and replies to each request envelope.
func (e *Engine) Serve(ctx context.Context) error {
	replier, ok := e.eb.(bus.Replier)
	if !ok {
		return fmt.Errorf("risk engine: bus does not support replies")
	}
	sub, err := e.eb.Subscribe(bus.TopicRiskCheck, "risk-engine", func(ctx context.Context, env bus.Envelope) {
		var req models.RiskCheckRequest
		if err := env.Decode(&req); err != nil {
			e.log.Error("risk_check decode", logger.Error(err))
			return
		}
		result := e.Check(ctx, &req)
		if err := replier.Reply(env, result); err != nil {
			e.log.Error("risk_check reply", logger.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("risk engine subscribe: %w", err)
	}
	e.sub = sub
	return nil
}

// Stop detaches from the bus.
func (e *Engine) Stop() {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
}

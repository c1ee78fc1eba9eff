package risk

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

// Emergency trigger reasons.
const (
	TriggerDailyLoss      = "daily_loss_limit"
	TriggerConsecLosses   = "consecutive_losses"
	TriggerAPIDown        = "api_down"
	TriggerStaleValuation = "stale_valuation"
	TriggerErrorRate      = "error_rate"
	TriggerManual         = "manual"
)

// ErrBadResetToken rejects a disarm attempt with the wrong token.
var ErrBadResetToken = errors.New("risk: invalid emergency reset token")

// EmergencyStop is the system-wide kill switch. While armed, the synchronous
// check rejects every new order, liquidation signals included.
type EmergencyStop struct {
	eb         bus.Bus
	log        *logger.Logger
	resetToken string

	mu        sync.RWMutex
	active    bool
	reason    string
	triggered time.Time
	history   []models.EmergencyStopEvent
}

// NewEmergencyStop creates a disarmed kill switch. The reset token is
// distinct from normal configuration and required to disarm.
func NewEmergencyStop(eb bus.Bus, resetToken string, log *logger.Logger) *EmergencyStop {
	return &EmergencyStop{eb: eb, log: log, resetToken: resetToken}
}

// Active reports whether the stop is armed.
func (es *EmergencyStop) Active() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.active
}

// Status returns the current state for the ops API.
func (es *EmergencyStop) Status() models.EmergencyStopEvent {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return models.EmergencyStopEvent{
		Active:    es.active,
		Reason:    es.reason,
		Triggered: es.triggered,
		Manual:    es.reason == TriggerManual,
	}
}

// Trigger arms the stop. Re-arming while armed only records the new reason.
func (es *EmergencyStop) Trigger(reason string) {
	es.mu.Lock()
	already := es.active
	es.active = true
	es.reason = reason
	if !already {
		es.triggered = time.Now().UTC()
	}
	event := models.EmergencyStopEvent{
		Active:    true,
		Reason:    reason,
		Triggered: es.triggered,
		Manual:    reason == TriggerManual,
	}
	es.history = append(es.history, event)
	es.mu.Unlock()

	if already {
		return
	}
	es.log.Error("emergency stop armed", logger.String("reason", reason))
	if e, err := bus.NewEnvelope(bus.TopicEmergencyStop, "risk-engine", event); err == nil {
		_ = es.eb.Publish(e)
	}
}

// Reset disarms the stop when the token matches.
func (es *EmergencyStop) Reset(token string) error {
	if es.resetToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(es.resetToken)) != 1 {
		return ErrBadResetToken
	}
	es.mu.Lock()
	es.active = false
	es.reason = ""
	event := models.EmergencyStopEvent{Active: false, Triggered: time.Now().UTC()}
	es.history = append(es.history, event)
	es.mu.Unlock()

	es.log.Info("emergency stop reset")
	if e, err := bus.NewEnvelope(bus.TopicEmergencyStop, "risk-engine", event); err == nil {
		_ = es.eb.Publish(e)
	}
	return nil
}

// evalRule is rule #10 in the synchronous chain.
func (es *EmergencyStop) evalRule(_ *models.RiskCheckRequest, _ *models.RiskContext, _ Limits) outcome {
	if es.Active() {
		return outcome{decision: models.RiskReject, reason: ReasonEmergencyStop}
	}
	return approve
}

// Watchdog arms the stop from streamed conditions: API downtime, stale
// valuations and error bursts.
type Watchdog struct {
	es           *EmergencyStop
	apiDownAfter time.Duration
	staleAfter   time.Duration
	maxErrorRate int // errors per minute

	mu          sync.Mutex
	lastAPIOK   time.Time
	lastValued  time.Time
	errorWindow []time.Time
}

// NewWatchdog creates a watchdog with the given thresholds.
func NewWatchdog(es *EmergencyStop, apiDownAfter, staleAfter time.Duration, maxErrorRate int) *Watchdog {
	now := time.Now().UTC()
	return &Watchdog{
		es:           es,
		apiDownAfter: apiDownAfter,
		staleAfter:   staleAfter,
		maxErrorRate: maxErrorRate,
		lastAPIOK:    now,
		lastValued:   now,
	}
}

// APIHealthy marks a successful upstream call.
func (w *Watchdog) APIHealthy() {
	w.mu.Lock()
	w.lastAPIOK = time.Now().UTC()
	w.mu.Unlock()
}

// Valued marks a fresh position valuation.
func (w *Watchdog) Valued() {
	w.mu.Lock()
	w.lastValued = time.Now().UTC()
	w.mu.Unlock()
}

// RecordError notes one component error.
func (w *Watchdog) RecordError() {
	now := time.Now().UTC()
	w.mu.Lock()
	w.errorWindow = append(w.errorWindow, now)
	cutoff := now.Add(-time.Minute)
	kept := w.errorWindow[:0]
	for _, t := range w.errorWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.errorWindow = kept
	count := len(w.errorWindow)
	w.mu.Unlock()

	if w.maxErrorRate > 0 && count > w.maxErrorRate {
		w.es.Trigger(TriggerErrorRate)
	}
}

// Tick evaluates the time-based conditions; call it periodically.
func (w *Watchdog) Tick(now time.Time) {
	w.mu.Lock()
	apiDown := w.apiDownAfter > 0 && now.Sub(w.lastAPIOK) > w.apiDownAfter
	stale := w.staleAfter > 0 && now.Sub(w.lastValued) > w.staleAfter
	w.mu.Unlock()

	if apiDown {
		w.es.Trigger(TriggerAPIDown)
	}
	if stale {
		w.es.Trigger(TriggerStaleValuation)
	}
}

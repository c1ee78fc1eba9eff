// Package strategy runs trading strategies against indicator updates and
// emits trading signals onto the bus.
package strategy

import (
	"context"

	"qbtrade/internal/domain/models"
)

// ParamSpec describes one tunable strategy parameter.
type ParamSpec struct {
	Type    string `json:"type"` // int, decimal, bool, string, time
	Default string `json:"default"`
	Min     string `json:"min,omitempty"`
	Max     string `json:"max,omitempty"`
	Desc    string `json:"desc"`
}

// Snapshot groups per-symbol strategy inputs. Analyze does not take it; it
// receives a *models.IndicatorSnapshot.
type Snapshot struct {
	Symbol     string
	TS         models.IndicatorSnapshot
	Candle     models.Candle
	Indicators map[string]models.IndicatorSnapshot // keyed by interval
	Position   *models.Position
}

// Strategy is the plugin contract. Implementations hold their own private
// state; the engine owns each instance and never shares it.
type Strategy interface {
	// Name returns the unique strategy identifier.
	Name() string
	// RequiredIndicators lists indicator names that must be present in the
	// snapshot before Analyze is invoked.
	RequiredIndicators() []string
	// ParameterSchema describes the tunable parameters and their bounds.
	ParameterSchema() map[string]ParamSpec
	// Analyze inspects one indicator snapshot and optionally returns a
	// signal. Returning nil means no action.
	Analyze(ctx context.Context, snap *models.IndicatorSnapshot) (*models.TradingSignal, error)
	// OnStart is invoked when the strategy is loaded.
	OnStart(ctx context.Context) error
	// OnStop is invoked when the strategy is unloaded or the engine stops;
	// Deactivate does not call it.
	OnStop(ctx context.Context) error
}

// Factory builds a fresh strategy instance from raw parameters.
type Factory func(params map[string]string) (Strategy, error)

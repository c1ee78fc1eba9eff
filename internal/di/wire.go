//go:build wireinject
// +build wireinject

package di

import (
	"qbtrade/pkg/config"
	"qbtrade/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation in wire_gen.go.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// storage and bus
		ProvideCache,
		ProvideStore,
		ProvideBus,

		// broker and accounting
		ProvideBroker,
		ProvideStartingCash,
		ProvidePositionBook,

		// risk
		ProvideLimits,
		ProvideEmergencyStop,
		ProvideRiskEngine,
		ProvideStopLoss,
		ProvideRiskMonitor,
		ProvideWatchdog,
		ProvideSizer,

		// orders
		ProvideCommission,
		ProvideArchive,
		ProvideOrderEngine,

		// market data and analysis
		ProvideAdapters,
		ProvidePipeline,
		ProvideAnalyzer,

		// strategies
		ProvidePerformance,
		ProvideStrategyEngine,

		// surface
		ProvideOps,
		ProvideApp,
	)
	return &server.App{}, nil
}

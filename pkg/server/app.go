// Package server assembles the engines into one process and owns their
// start/stop order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qbtrade/internal/analysis"
	"qbtrade/internal/bus"
	"qbtrade/internal/handler/api"
	"qbtrade/internal/marketdata"
	"qbtrade/internal/order"
	"qbtrade/internal/risk"
	"qbtrade/internal/strategy"
	"qbtrade/pkg/config"
	xhttp "qbtrade/pkg/http"
	pkgkafka "qbtrade/pkg/kafka"
	applogger "qbtrade/pkg/logger"
)

// busLogPublisher forwards aggregated log batches onto the event bus.
type busLogPublisher struct {
	bus *bus.InProcBus
}

func (p busLogPublisher) PublishMessage(_ context.Context, _ string, payload interface{}) error {
	e, err := bus.NewEnvelope(bus.TopicSystemStatus, "logger", payload)
	if err != nil {
		return err
	}
	return p.bus.Publish(e)
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg *config.Config
	log *applogger.Logger

	Bus        *bus.InProcBus
	Bridge     *bus.Bridge
	Consumer   *pkgkafka.Consumer
	Inbound    *bus.InboundHandler
	Pipeline   *marketdata.Pipeline
	Analyzer   *analysis.Analyzer
	Strategies *strategy.Engine
	RiskEngine *risk.Engine
	StopLoss   *risk.StopLossMonitor
	Monitor    *risk.Monitor
	Watchdog   *risk.Watchdog
	Orders     *order.Engine
	Ops        *api.OpsHandler
	Closers    []func() error

	httpServer *xhttp.Server
}

// New creates an App from its already-wired components.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	b *bus.InProcBus,
	pipeline *marketdata.Pipeline,
	analyzer *analysis.Analyzer,
	strategies *strategy.Engine,
	riskEngine *risk.Engine,
	stopLoss *risk.StopLossMonitor,
	monitor *risk.Monitor,
	watchdog *risk.Watchdog,
	orders *order.Engine,
	ops *api.OpsHandler,
) *App {
	return &App{
		cfg:        cfg,
		log:        log,
		Bus:        b,
		Pipeline:   pipeline,
		Analyzer:   analyzer,
		Strategies: strategies,
		RiskEngine: riskEngine,
		StopLoss:   stopLoss,
		Monitor:    monitor,
		Watchdog:   watchdog,
		Orders:     orders,
		Ops:        ops,
	}
}

// Run starts every component and blocks until a shutdown signal.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// start brings the components up leaves-first: bus, risk service, monitors,
// order engine, analyzer, strategies, pipeline, HTTP.
func (a *App) start(ctx context.Context) error {
	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("bus start: %w", err)
	}
	// aggregated error logs reach monitors over system_status
	a.log.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          string(bus.TopicSystemStatus),
		Publisher:      busLogPublisher{bus: a.Bus},
	})
	if a.Bridge != nil {
		if err := a.Bridge.Start(ctx); err != nil {
			return fmt.Errorf("bus bridge start: %w", err)
		}
	}
	if a.Consumer != nil && a.Inbound != nil {
		a.Consumer.RegisterHandler(a.Inbound)
		if err := a.Consumer.Start(); err != nil {
			return fmt.Errorf("kafka consumer start: %w", err)
		}
	}

	if err := a.RiskEngine.Serve(ctx); err != nil {
		return err
	}
	if err := a.StopLoss.Start(ctx); err != nil {
		return err
	}
	a.Monitor.Start(ctx)
	a.startWatchdog(ctx)

	if err := a.Orders.Start(ctx); err != nil {
		return err
	}
	if err := a.Analyzer.Start(ctx); err != nil {
		return err
	}
	if err := a.Strategies.Start(ctx); err != nil {
		return err
	}
	for _, name := range a.cfg.Strategy.Active {
		params := a.cfg.Strategy.Params[name]
		if err := a.Strategies.Load(ctx, name, params, a.cfg.Market.Symbols); err != nil {
			return fmt.Errorf("load strategy %s: %w", name, err)
		}
	}

	if err := a.Pipeline.Start(ctx, a.cfg.Market.Symbols); err != nil {
		return err
	}

	a.httpServer = xhttp.NewServer(a.Ops,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)
	if err := a.httpServer.Start(); err != nil {
		return fmt.Errorf("http start: %w", err)
	}

	a.log.Info("qbtrade started",
		applogger.Strings("symbols", a.cfg.Market.Symbols),
		applogger.Strings("intervals", a.cfg.Market.Intervals),
		applogger.Int("port", a.cfg.Server.Port),
	)
	return nil
}

func (a *App) startWatchdog(ctx context.Context) {
	if a.Watchdog == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Watchdog.Tick(time.Now().UTC())
			}
		}
	}()
}

// shutdown stops intake-first so in-flight work drains cleanly.
func (a *App) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", applogger.Error(err))
		}
	}

	a.Pipeline.Stop()
	a.Strategies.Stop(shutdownCtx)
	a.Analyzer.Stop()
	a.StopLoss.Stop()
	a.Monitor.Stop()
	a.RiskEngine.Stop()
	a.Orders.Stop()

	if a.Consumer != nil {
		if err := a.Consumer.Stop(shutdownCtx); err != nil {
			a.log.Warn("kafka consumer stop", applogger.Error(err))
		}
	}
	if a.Bridge != nil {
		a.Bridge.Stop()
	}
	a.log.RemoveCollector()
	if err := a.Bus.Stop(shutdownCtx); err != nil {
		a.log.Warn("bus stop", applogger.Error(err))
	}

	for _, closeFn := range a.Closers {
		if err := closeFn(); err != nil {
			a.log.Warn("close", applogger.Error(err))
		}
	}
	a.log.Info("qbtrade stopped")
	return nil
}

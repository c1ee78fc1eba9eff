package di

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/analysis"
	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/internal/domain/repository"
	"qbtrade/internal/handler/api"
	"qbtrade/internal/marketdata"
	"qbtrade/internal/order"
	internalrepo "qbtrade/internal/repository"
	"qbtrade/internal/risk"
	"qbtrade/internal/service/broker"
	"qbtrade/internal/store"
	"qbtrade/internal/strategy"
	"qbtrade/pkg/cache"
	pkgch "qbtrade/pkg/clickhouse"
	"qbtrade/pkg/config"
	pkgkafka "qbtrade/pkg/kafka"
	"qbtrade/pkg/logger"
	"qbtrade/pkg/metrics"
	"qbtrade/pkg/queue"
	"qbtrade/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// ProvideMetrics creates the Prometheus recorder.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideCache selects the KV backend: Redis when enabled, otherwise the
// bounded in-memory cache. Redis being unreachable is a startup failure.
func ProvideCache(cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(cache.WithMemoryBudget(cfg.Redis.MemoryBudget)), nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return rc, nil
}

// ProvideStore wraps the cache with the typed keyspaces.
func ProvideStore(c cache.Service, cfg *config.Config) *store.Store {
	return store.New(c, cfg.Market.RingSize)
}

// ProvideBus creates the in-process event bus.
func ProvideBus(cfg *config.Config, log *logger.Logger, rec *metrics.Recorder) *bus.InProcBus {
	return bus.New(log,
		bus.WithBufferSize(cfg.Bus.SubscriberBuffer),
		bus.WithDrainGrace(cfg.Bus.DrainGrace),
		bus.WithHeartbeat(cfg.Bus.Heartbeat),
		bus.WithMetrics(rec),
		bus.WithSourceID("qbtrade"),
	)
}

// ProvideBroker selects the broker client: the mock for paper runs, the
// rate-limited REST client otherwise.
func ProvideBroker(cfg *config.Config, log *logger.Logger) repository.BrokerClient {
	if cfg.Broker.Mock {
		return broker.NewMock()
	}
	return broker.New(
		cfg.Broker.BaseURL,
		cfg.Broker.AppKey,
		cfg.Broker.AppSecret,
		cfg.Broker.AccountNo,
		cfg.Broker.RateLimit,
		cfg.Broker.ConnectTimeout,
		cfg.Broker.ReadTimeout,
		log,
	)
}

// ProvideStartingCash queries the account balance once at startup. Failure
// here is a broker auth failure and aborts the process.
func ProvideStartingCash(bc repository.BrokerClient) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := bc.Balance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker balance: %w", err)
	}
	cash, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker balance %q: %w", raw, err)
	}
	return cash, nil
}

// ProvidePositionBook creates the canonical position ledger.
func ProvidePositionBook(eb *bus.InProcBus, st *store.Store, cash decimal.Decimal, log *logger.Logger) *order.PositionBook {
	return order.NewPositionBook(eb, st, cash, nil, log)
}

// ProvideLimits converts the risk config to decimals.
func ProvideLimits(cfg *config.Config) risk.Limits {
	return risk.LimitsFromConfig(cfg)
}

// ProvideEmergencyStop creates the kill switch.
func ProvideEmergencyStop(eb *bus.InProcBus, cfg *config.Config, log *logger.Logger) *risk.EmergencyStop {
	return risk.NewEmergencyStop(eb, cfg.Risk.ResetToken, log)
}

// ProvideRiskEngine creates the synchronous decision engine.
func ProvideRiskEngine(eb *bus.InProcBus, book *order.PositionBook, limits risk.Limits, es *risk.EmergencyStop, log *logger.Logger, rec *metrics.Recorder) *risk.Engine {
	return risk.NewEngine(eb, book, limits, es, log, risk.WithMetrics(rec))
}

// ProvideStopLoss creates the stop/take monitor.
func ProvideStopLoss(eb *bus.InProcBus, limits risk.Limits, log *logger.Logger) *risk.StopLossMonitor {
	return risk.NewStopLossMonitor(eb, limits, log)
}

// ProvideRiskMonitor creates the periodic portfolio monitor, wired to the
// kill switch for hard limit breaches.
func ProvideRiskMonitor(eb *bus.InProcBus, book *order.PositionBook, limits risk.Limits, es *risk.EmergencyStop, w *risk.Watchdog, cfg *config.Config, log *logger.Logger) *risk.Monitor {
	return risk.NewMonitor(eb, book, cfg.Risk.MonitorInterval, log,
		risk.WithEmergency(es, limits, w),
	)
}

// ProvideWatchdog creates the emergency watchdog.
func ProvideWatchdog(es *risk.EmergencyStop) *risk.Watchdog {
	return risk.NewWatchdog(es, 2*time.Minute, 5*time.Minute, 120)
}

// ProvideSizer creates the position size recommender.
func ProvideSizer(limits risk.Limits) *risk.Sizer {
	return risk.NewSizer(limits)
}

// ProvideCommission creates the Korean fee calculator.
func ProvideCommission(cfg *config.Config) *order.CommissionCalculator {
	return order.NewCommissionCalculator(cfg)
}

// ArchiveBundle carries the optional archive plus its shutdown hooks.
type ArchiveBundle struct {
	Archive repository.HistoryArchive
	Closers []func() error
}

// ProvideArchive creates the optional ClickHouse fill/order archive, routed
// through the Redis job queue when both are enabled. An empty bundle
// disables archiving.
func ProvideArchive(cfg *config.Config, c cache.Service, log *logger.Logger) (*ArchiveBundle, error) {
	if !cfg.History.Enabled {
		return &ArchiveBundle{}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.History.Host),
		pkgch.WithPort(cfg.History.Port),
		pkgch.WithDatabase(cfg.History.Database),
		pkgch.WithCredentials(cfg.History.User, cfg.History.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.HistorySchema); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	archive := internalrepo.NewClickHouseHistory(client.DB(), cfg.History.BatchSize, cfg.History.BatchTimeout, log)
	closers := []func() error{archive.Close, client.Close}

	rc, ok := c.(*cache.RedisCache)
	if !ok {
		return &ArchiveBundle{Archive: archive, Closers: closers}, nil
	}
	q := queue.NewRedisQueue(rc.Client(), queue.Config{Workers: 2, RetryLimit: 3, RetryDelay: 5 * time.Second}, cfg.Redis.Prefix+":archive", log)
	q.Register(&internalrepo.OrderArchiveJob{Inner: archive})
	q.Register(&internalrepo.FillArchiveJob{Inner: archive})
	q.Start()
	closers = append([]func() error{func() error {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		return q.Stop(stopCtx)
	}}, closers...)
	return &ArchiveBundle{Archive: internalrepo.NewQueuedArchive(q, archive), Closers: closers}, nil
}

// ProvideOrderEngine creates the order engine.
func ProvideOrderEngine(
	cfg *config.Config,
	eb *bus.InProcBus,
	st *store.Store,
	bc repository.BrokerClient,
	book *order.PositionBook,
	comm *order.CommissionCalculator,
	sizer *risk.Sizer,
	bundle *ArchiveBundle,
	perf *strategy.PerformanceTracker,
	log *logger.Logger,
	rec *metrics.Recorder,
) *order.Engine {
	e := order.NewEngine(cfg, eb, st, bc, book, comm, sizer, bundle.Archive, log, rec)
	e.SetTradeRecorder(perf)
	return e
}

// ProvideAdapters builds the configured market data sources: the broker
// stream when a WS URL is set, the polled HTTP source when a base URL is
// set.
func ProvideAdapters(cfg *config.Config, log *logger.Logger) []marketdata.Adapter {
	var adapters []marketdata.Adapter
	if cfg.Broker.WebSocketURL != "" {
		adapters = append(adapters, marketdata.NewStreamAdapter(
			"broker-ws",
			cfg.Broker.WebSocketURL,
			log,
			marketdata.WithPingInterval(cfg.Broker.PingInterval),
		))
	}
	if cfg.Broker.BaseURL != "" {
		adapters = append(adapters, marketdata.NewPollAdapter(
			"broker-poll",
			cfg.Broker.BaseURL,
			cfg.Market.PollInterval,
			log,
		))
	}
	return adapters
}

// ProvidePipeline assembles the market data pipeline.
func ProvidePipeline(
	cfg *config.Config,
	adapters []marketdata.Adapter,
	eb *bus.InProcBus,
	st *store.Store,
	log *logger.Logger,
	rec *metrics.Recorder,
) *marketdata.Pipeline {
	checker := marketdata.NewQualityChecker(marketdata.QualityConfig{
		MinPrice:           decimal.NewFromInt(cfg.Market.MinPrice),
		MaxPrice:           decimal.NewFromInt(cfg.Market.MaxPrice),
		StalenessThreshold: cfg.Market.StalenessThreshold,
		OutlierZScore:      cfg.Market.OutlierZScore,
	})
	builder := marketdata.NewCandleBuilder(parseIntervals(cfg))
	return marketdata.NewPipeline(adapters, eb, st, checker, builder, log, rec,
		marketdata.WithThrottle(marketdata.NewThrottle(50)),
	)
}

// ProvideAnalyzer creates the technical analyzer from config.
func ProvideAnalyzer(cfg *config.Config, eb *bus.InProcBus, st *store.Store, log *logger.Logger) *analysis.Analyzer {
	params := analysis.Params{
		SMAWindows:      cfg.Analysis.SMAWindows,
		EMAFast:         cfg.Analysis.EMAFast,
		EMASlow:         cfg.Analysis.EMASlow,
		RSIPeriod:       cfg.Analysis.RSIPeriod,
		MACDSignal:      cfg.Analysis.MACDSignal,
		BollingerPeriod: cfg.Analysis.BollingerPeriod,
		BollingerStdDev: decimal.NewFromFloat(cfg.Analysis.BollingerStdDev),
		StochKPeriod:    cfg.Analysis.StochKPeriod,
		StochDPeriod:    cfg.Analysis.StochDPeriod,
		ATRPeriod:       cfg.Analysis.ATRPeriod,
	}
	return analysis.NewAnalyzer(eb, st, log,
		analysis.WithParams(params),
		analysis.WithFingerprintTTL(cfg.Analysis.IndicatorTTL),
	)
}

// ProvidePerformance creates the strategy performance tracker.
func ProvidePerformance() *strategy.PerformanceTracker {
	return strategy.NewPerformanceTracker()
}

// ProvideStrategyEngine creates the dispatcher over the built-in registry.
func ProvideStrategyEngine(cfg *config.Config, eb *bus.InProcBus, perf *strategy.PerformanceTracker, log *logger.Logger) *strategy.Engine {
	return strategy.NewEngine(eb, strategy.DefaultRegistry, log,
		strategy.WithAnalyzeTimeout(cfg.Strategy.AnalyzeTimeout),
		strategy.WithPerformanceTracker(perf),
	)
}

// ProvideOps creates the ops API handler.
func ProvideOps(
	log *logger.Logger,
	orders *order.Engine,
	strategies *strategy.Engine,
	perf *strategy.PerformanceTracker,
	monitor *risk.Monitor,
	es *risk.EmergencyStop,
) *api.OpsHandler {
	return api.NewOpsHandler(log, orders, strategies, perf, monitor, es)
}

// ProvideApp wires the optional Kafka bridge and assembles the App.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	eb *bus.InProcBus,
	pipeline *marketdata.Pipeline,
	analyzer *analysis.Analyzer,
	strategies *strategy.Engine,
	riskEngine *risk.Engine,
	stopLoss *risk.StopLossMonitor,
	monitor *risk.Monitor,
	watchdog *risk.Watchdog,
	orders *order.Engine,
	ops *api.OpsHandler,
	bundle *ArchiveBundle,
) (*server.App, error) {
	app := server.New(cfg, log, eb, pipeline, analyzer, strategies, riskEngine, stopLoss, monitor, watchdog, orders, ops)
	app.Closers = bundle.Closers

	if cfg.Kafka.Enabled {
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
			pkgkafka.WithHashByKey(true),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		app.Bridge = bus.NewBridge(eb, producer, cfg.Kafka.Topic, log,
			bus.WithOutboundTopics(
				bus.TopicTradingSignal,
				bus.TopicOrderPlaced,
				bus.TopicOrderFullyExecuted,
				bus.TopicOrderFailed,
				bus.TopicPositionUpdated,
				bus.TopicRiskAlert,
				bus.TopicEmergencyStop,
				bus.TopicSystemStatus,
			),
		)
		consumer, err := pkgkafka.NewConsumer(
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
			pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
			pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
			pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		app.Consumer = consumer
		app.Inbound = bus.NewInboundHandler(eb, cfg.Kafka.Topic)
		app.Closers = append(app.Closers, producer.Close)
	}
	return app, nil
}

func parseIntervals(cfg *config.Config) []models.Interval {
	intervals := make([]models.Interval, 0, len(cfg.Market.Intervals))
	for _, iv := range cfg.Market.Intervals {
		intervals = append(intervals, models.NormalizeInterval(iv))
	}
	return intervals
}

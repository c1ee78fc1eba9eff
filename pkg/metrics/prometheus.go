package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the domain metrics interfaces using Prometheus.
type Recorder struct {
	busPublished  *prometheus.CounterVec
	busDelivered  *prometheus.CounterVec
	busDropped    *prometheus.CounterVec
	busFailures   *prometheus.CounterVec
	busLatency    *prometheus.HistogramVec
	ticksAccepted *prometheus.CounterVec
	ticksDropped  *prometheus.CounterVec
	candlesClosed *prometheus.CounterVec
	ordersTotal   *prometheus.CounterVec
	fillsTotal    *prometheus.CounterVec
	riskDecisions *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	errorsTotal   *prometheus.CounterVec
	opLatency     *prometheus.HistogramVec
}

// New creates a Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		busPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_bus_published_total",
				Help: "Envelopes published per topic",
			},
			[]string{"topic"},
		),
		busDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_bus_delivered_total",
				Help: "Envelopes delivered to subscribers per topic",
			},
			[]string{"topic"},
		),
		busDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_bus_subscriber_lagged_total",
				Help: "Envelopes dropped due to slow subscribers per topic",
			},
			[]string{"topic"},
		),
		busFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_bus_handler_failures_total",
				Help: "Subscriber handler failures per topic",
			},
			[]string{"topic"},
		),
		busLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qbtrade_bus_handler_duration_seconds",
				Help:    "Subscriber handler latency per topic",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		ticksAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_pipeline_ticks_accepted_total",
				Help: "Ticks that passed all quality gates",
			},
			[]string{"symbol"},
		),
		ticksDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_pipeline_ticks_dropped_total",
				Help: "Ticks dropped by quality gates, per gate",
			},
			[]string{"gate"},
		),
		candlesClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_pipeline_candles_closed_total",
				Help: "Candles closed per interval",
			},
			[]string{"interval"},
		),
		ordersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_orders_total",
				Help: "Order lifecycle transitions per terminal state",
			},
			[]string{"state"},
		),
		fillsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_fills_total",
				Help: "Fills applied per side",
			},
			[]string{"side"},
		),
		riskDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_risk_decisions_total",
				Help: "Risk check outcomes",
			},
			[]string{"decision"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qbtrade_last_price",
				Help: "Last observed close per symbol",
			},
			[]string{"symbol"},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qbtrade_order_queue_depth",
				Help: "Pending orders in the priority queue",
			},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qbtrade_errors_total",
				Help: "Errors encountered, by kind",
			},
			[]string{"type"},
		),
		opLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qbtrade_operation_duration_seconds",
				Help:    "Duration of internal operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// --- bus.Metrics ---

func (r *Recorder) BusPublished(topic string)      { r.busPublished.WithLabelValues(topic).Inc() }
func (r *Recorder) BusDelivered(topic string)      { r.busDelivered.WithLabelValues(topic).Inc() }
func (r *Recorder) BusDropped(topic string)        { r.busDropped.WithLabelValues(topic).Inc() }
func (r *Recorder) BusHandlerFailure(topic string) { r.busFailures.WithLabelValues(topic).Inc() }
func (r *Recorder) BusHandlerLatency(topic string, seconds float64) {
	r.busLatency.WithLabelValues(topic).Observe(seconds)
}

// --- pipeline metrics ---

func (r *Recorder) RecordTickAccepted(symbol string) { r.ticksAccepted.WithLabelValues(symbol).Inc() }
func (r *Recorder) RecordTickDropped(gate string)    { r.ticksDropped.WithLabelValues(gate).Inc() }
func (r *Recorder) RecordCandleClosed(interval string) {
	r.candlesClosed.WithLabelValues(interval).Inc()
}
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// --- order/risk metrics ---

func (r *Recorder) RecordOrderState(state string) { r.ordersTotal.WithLabelValues(state).Inc() }
func (r *Recorder) RecordFill(side string)        { r.fillsTotal.WithLabelValues(side).Inc() }
func (r *Recorder) RecordRiskDecision(decision string) {
	r.riskDecisions.WithLabelValues(decision).Inc()
}
func (r *Recorder) RecordQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// --- generic ---

func (r *Recorder) RecordError(kind string) { r.errorsTotal.WithLabelValues(kind).Inc() }
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.opLatency.WithLabelValues(op).Observe(seconds)
}

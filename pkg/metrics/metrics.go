// Package metrics holds the process-wide Prometheus metric sink.
// Grounded on internal/trading/app/app.go's Metrics struct and
// internal/architecture/fx/workerpool's WorkerPoolMetrics: a registry of
// CounterVec/GaugeVec/HistogramVec built once and injected into every
// component that needs it, never read from a package-level global (spec §9).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the set of metrics pumpsentry's core components emit.
type Sink struct {
	registry *prometheus.Registry

	BusPublished   *prometheus.CounterVec
	BusDelivered   *prometheus.CounterVec
	BusDropped     *prometheus.CounterVec
	BusQueueDepth  *prometheus.GaugeVec
	BusHandlerErrs *prometheus.CounterVec

	IndicatorFoldSeconds *prometheus.HistogramVec
	IndicatorLaneBytes   *prometheus.GaugeVec
	MemoryPressureEvents prometheus.Counter

	OrdersCreated  *prometheus.CounterVec
	OrdersFilled   *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec
	PositionsOpen  *prometheus.GaugeVec

	SignalsGenerated *prometheus.CounterVec

	PersistenceBatchRows    *prometheus.HistogramVec
	PersistenceDegradedTime prometheus.Counter
}

// New builds a Sink registered against a fresh registry. Callers that want
// to expose it via /metrics hand the registry to promhttp.HandlerFor.
func New() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_bus_published_total",
			Help: "Events published per topic.",
		}, []string{"topic"}),
		BusDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_bus_delivered_total",
			Help: "Events delivered per topic/subscription.",
		}, []string{"topic", "subscription"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_bus_dropped_total",
			Help: "Events dropped after the publish timeout elapsed.",
		}, []string{"topic", "subscription"}),
		BusQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pumpsentry_bus_queue_depth",
			Help: "Current queue depth per subscription.",
		}, []string{"topic", "subscription"}),
		BusHandlerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_bus_handler_errors_total",
			Help: "Handler errors per subscription.",
		}, []string{"topic", "subscription"}),
		IndicatorFoldSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pumpsentry_indicator_fold_seconds",
			Help:    "Time spent recomputing one indicator lane.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"base_type"}),
		IndicatorLaneBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pumpsentry_indicator_lane_bytes",
			Help: "Estimated ring-buffer footprint per lane.",
		}, []string{"variant_id", "symbol"}),
		MemoryPressureEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pumpsentry_memory_pressure_events_total",
			Help: "Number of times the indicator engine hit the memory pressure watermark.",
		}),
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_orders_created_total",
			Help: "Orders created per symbol/order type.",
		}, []string{"symbol", "order_type"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_orders_filled_total",
			Help: "Orders filled per symbol/order type.",
		}, []string{"symbol", "order_type"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_orders_rejected_total",
			Help: "Orders rejected by risk checks, by reason.",
		}, []string{"reason"}),
		PositionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pumpsentry_positions_open",
			Help: "Currently open positions per symbol.",
		}, []string{"symbol"}),
		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpsentry_signals_generated_total",
			Help: "Signals generated per strategy/symbol/kind.",
		}, []string{"strategy_id", "symbol", "kind"}),
		PersistenceBatchRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pumpsentry_persistence_batch_rows",
			Help:    "Row count of flushed persistence batches.",
			Buckets: prometheus.LinearBuckets(100, 100, 10),
		}, []string{"table"}),
		PersistenceDegradedTime: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pumpsentry_persistence_degraded_total",
			Help: "Number of times persistence entered the degraded state.",
		}),
	}

	reg.MustRegister(
		s.BusPublished, s.BusDelivered, s.BusDropped, s.BusQueueDepth, s.BusHandlerErrs,
		s.IndicatorFoldSeconds, s.IndicatorLaneBytes, s.MemoryPressureEvents,
		s.OrdersCreated, s.OrdersFilled, s.OrdersRejected, s.PositionsOpen,
		s.SignalsGenerated, s.PersistenceBatchRows, s.PersistenceDegradedTime,
	)

	return s
}

// Registry exposes the underlying Prometheus registry, e.g. for promhttp.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// ObserveFold records the duration of one indicator recomputation.
func (s *Sink) ObserveFold(baseType string, d time.Duration) {
	s.IndicatorFoldSeconds.WithLabelValues(baseType).Observe(d.Seconds())
}

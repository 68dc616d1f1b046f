// Package observability — metrics.go
//
// Prometheus metrics for the agent runtime core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: agent_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Stress level is a string label with 4 fixed values.
//   - pluginId is used as a label only for counts the plugin itself
//     controls (signals emitted, schedules fired) — bounded by however
//     many plugins are loaded, not by arbitrary user input.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the runtime core.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Tick loop ────────────────────────────────────────────────────────────

	// TicksTotal counts completed core-loop ticks.
	TicksTotal prometheus.Counter

	// TickDurationSeconds records wall-clock time per tick.
	TickDurationSeconds prometheus.Histogram

	// ─── Queue ────────────────────────────────────────────────────────────────

	// QueueDepth is the current priority queue depth, by priority level.
	QueueDepth *prometheus.GaugeVec

	// EventsDroppedTotal counts events dropped by Prune, by reason.
	EventsDroppedTotal *prometheus.CounterVec

	// ─── Signals / aggregation ────────────────────────────────────────────────

	// SignalsEmittedTotal counts signals entering the bus, by type.
	SignalsEmittedTotal *prometheus.CounterVec

	// WakesTotal counts cognition wakes, by reason.
	WakesTotal *prometheus.CounterVec

	// ─── Stress ───────────────────────────────────────────────────────────────

	// StressLevel is the current degradation controller level (0-3).
	StressLevel prometheus.Gauge

	// StressTransitionsTotal counts level transitions, by from_level/to_level.
	StressTransitionsTotal *prometheus.CounterVec

	// ─── Scheduler service ────────────────────────────────────────────────────

	// SchedulesFiredTotal counts plugin schedule firings, by pluginId.
	SchedulesFiredTotal *prometheus.CounterVec

	// ─── Plugin runtime ───────────────────────────────────────────────────────

	// PluginsLoaded is the current number of loaded plugins.
	PluginsLoaded prometheus.Gauge

	// PluginSignalsRateLimitedTotal counts rejected plugin emissions, by pluginId.
	PluginSignalsRateLimitedTotal *prometheus.CounterVec

	// ─── Cognition ────────────────────────────────────────────────────────────

	// CognitionConfidenceHistogram records the confidence of terminal results.
	CognitionConfidenceHistogram prometheus.Histogram

	// CognitionSmartRetriesTotal counts smart-retry invocations.
	CognitionSmartRetriesTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all runtime-core Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "core",
			Name:      "ticks_total",
			Help:      "Total core-loop ticks completed.",
		}),

		TickDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent",
			Subsystem: "core",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one core-loop tick.",
			Buckets:   prometheus.DefBuckets,
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current priority event queue depth, by priority.",
		}, []string{"priority"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total events dropped by pruning, by reason.",
		}, []string{"reason"}),

		SignalsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "signals",
			Name:      "emitted_total",
			Help:      "Total signals emitted onto the bus, by type.",
		}, []string{"signal_type"}),

		WakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "aggregation",
			Name:      "wakes_total",
			Help:      "Total cognition wakes, by wake reason.",
		}, []string{"reason"}),

		StressLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Subsystem: "stress",
			Name:      "level",
			Help:      "Current degradation controller level (0=normal .. 3=critical).",
		}),

		StressTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "stress",
			Name:      "transitions_total",
			Help:      "Total stress level transitions, by from_level and to_level.",
		}, []string{"from_level", "to_level"}),

		SchedulesFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "scheduler",
			Name:      "fired_total",
			Help:      "Total plugin schedule firings, by pluginId.",
		}, []string{"plugin_id"}),

		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Subsystem: "plugins",
			Name:      "loaded",
			Help:      "Current number of loaded plugins.",
		}),

		PluginSignalsRateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "plugins",
			Name:      "signals_rate_limited_total",
			Help:      "Total plugin signal emissions rejected for exceeding rateLimit, by pluginId.",
		}, []string{"plugin_id"}),

		CognitionConfidenceHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent",
			Subsystem: "cognition",
			Name:      "confidence",
			Help:      "Distribution of terminal-result confidence values.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		CognitionSmartRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "cognition",
			Name:      "smart_retries_total",
			Help:      "Total smart-model retries triggered by low confidence.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Subsystem: "runtime",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.TicksTotal,
		m.TickDurationSeconds,
		m.QueueDepth,
		m.EventsDroppedTotal,
		m.SignalsEmittedTotal,
		m.WakesTotal,
		m.StressLevel,
		m.StressTransitionsTotal,
		m.SchedulesFiredTotal,
		m.PluginsLoaded,
		m.PluginSignalsRateLimitedTotal,
		m.CognitionConfidenceHistogram,
		m.CognitionSmartRetriesTotal,
		m.StorageWriteLatency,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

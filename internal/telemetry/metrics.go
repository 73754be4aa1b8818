// Package telemetry implements Perf Telemetry (C11): per-tick wall
// time, per-agent CPU%/RSS sampling via gopsutil, queue depth, and
// drop counts, exposed both as a fixed-size ring (get_runtime_perf) and
// as Prometheus metrics.
//
// Metric naming convention: mimolo_ops_<subsystem>_<name>_<unit>.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for the Operations
// runtime, registered on a dedicated registry so this process's metrics
// never collide with another instrumented library sharing the binary.
type Metrics struct {
	registry *prometheus.Registry

	TickDurationSeconds   prometheus.Histogram
	AgentsRunning         prometheus.Gauge
	MessagesRoutedTotal   *prometheus.CounterVec
	InboundDroppedTotal   *prometheus.CounterVec
	LifecycleTransitions  *prometheus.CounterVec
	SegmentsOpenedTotal   prometheus.Counter
	SegmentsClosedTotal   prometheus.Counter
	JournalWriteFailures  prometheus.Counter
	WidgetRenderTimeouts  prometheus.Counter
	BridgeConnectionsOpen prometheus.Gauge
	AgentCPUPercent       *prometheus.GaugeVec
	AgentRSSBytes         *prometheus.GaugeVec

	startTime time.Time
}

// NewMetrics constructs and registers every metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TickDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one runtime tick.",
			Buckets: prometheus.DefBuckets,
		}),
		AgentsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "agents_running",
			Help: "Number of agents currently in the running lifecycle state.",
		}),
		MessagesRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "messages_routed_total",
			Help: "Agent JLP messages routed by the Evidence Router, by message type.",
		}, []string{"type"}),
		InboundDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "inbound_dropped_total",
			Help: "Messages dropped from an agent's bounded inbound queue, by label.",
		}, []string{"label"}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "lifecycle_transitions_total",
			Help: "Agent lifecycle state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),
		SegmentsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "segments_opened_total",
			Help: "Total segments opened.",
		}),
		SegmentsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "segments_closed_total",
			Help: "Total segments closed.",
		}),
		JournalWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "journal_write_failures_total",
			Help: "Total journal write failures after retry.",
		}),
		WidgetRenderTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "widget_render_timeouts_total",
			Help: "Total widget render requests that hit their deadline unresolved.",
		}),
		BridgeConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "bridge_connections_open",
			Help: "Current open command-bridge connections.",
		}),
		AgentCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "agent_cpu_percent",
			Help: "Per-agent CPU utilization percent, last sample.",
		}, []string{"label"}),
		AgentRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mimolo", Subsystem: "ops", Name: "agent_rss_bytes",
			Help: "Per-agent resident set size in bytes, last sample.",
		}, []string{"label"}),
	}

	reg.MustRegister(
		m.TickDurationSeconds, m.AgentsRunning, m.MessagesRoutedTotal,
		m.InboundDroppedTotal, m.LifecycleTransitions, m.SegmentsOpenedTotal,
		m.SegmentsClosedTotal, m.JournalWriteFailures, m.WidgetRenderTimeouts,
		m.BridgeConnectionsOpen, m.AgentCPUPercent, m.AgentRSSBytes,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server, bound to
// addr (loopback recommended), blocking until ctx is cancelled.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("telemetry: metrics server on %s: %w", addr, err)
	}
	return nil
}

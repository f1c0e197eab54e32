// Package metrics — metrics.go
//
// Prometheus metrics for the GCS fleet decision engine.
//
// Endpoint: GET /metrics on 127.0.0.1:9191 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; the listen address is taken as configured.
//
// Metric naming convention: gcs_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Strategy/failure-mode labels use a small fixed set of string names.
//   - Vehicle and task ids are NOT used as labels (unbounded cardinality).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

// Metrics holds all Prometheus metric descriptors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// ─── OODA cycles ──────────────────────────────────────────────────────────

	// CyclesTotal counts completed OODA cycles, by resulting strategy.
	CyclesTotal *prometheus.CounterVec

	// CycleDurationSeconds records total cycle wall-clock time.
	CycleDurationSeconds prometheus.Histogram

	// PhaseDurationSeconds records per-phase wall-clock time.
	// Labels: phase (observe, orient, decide, act)
	PhaseDurationSeconds *prometheus.HistogramVec

	// PhaseTimeoutsTotal counts phase budget overruns, by phase.
	PhaseTimeoutsTotal *prometheus.CounterVec

	// ObjectiveScore records the J(A) value of each completed cycle.
	ObjectiveScore prometheus.Histogram

	// CoveragePercent is the coverage achieved by the most recent cycle.
	CoveragePercent prometheus.Gauge

	// RecoveryRatePercent is the recovery rate of the most recent cycle.
	RecoveryRatePercent prometheus.Gauge

	// OptimizationIterations records optimizer iteration counts per cycle.
	OptimizationIterations prometheus.Histogram

	// ─── Fleet ─────────────────────────────────────────────────────────────────

	// VehiclesOperational is the current count of operational vehicles.
	VehiclesOperational prometheus.Gauge

	// VehiclesFailed is the current count of non-operational vehicles.
	VehiclesFailed prometheus.Gauge

	// FailuresTotal counts vehicle failure transitions, by failure mode.
	FailuresTotal *prometheus.CounterVec

	// ─── Mission database ───────────────────────────────────────────────────────

	// TasksByStatus is the current task count, by status.
	TasksByStatus *prometheus.GaugeVec

	// ─── Audit ───────────────────────────────────────────────────────────────

	// AuditWriteLatency records BoltDB decision-ledger write latency.
	AuditWriteLatency prometheus.Histogram

	// AuditLedgerEntries is the current number of persisted decisions.
	AuditLedgerEntries prometheus.Gauge

	// ─── Process ─────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the engine started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// New creates and registers all engine Prometheus metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "cycles_total",
			Help:      "Total OODA cycles completed, by resulting strategy.",
		}, []string{"strategy"}),

		CycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "cycle_duration_seconds",
			Help:      "Total wall-clock duration of one Observe-Orient-Decide-Act cycle.",
			Buckets:   prometheus.DefBuckets,
		}),

		PhaseDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of one OODA phase, by phase name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),

		PhaseTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "phase_timeouts_total",
			Help:      "Total phase budget overruns, by phase name.",
		}, []string{"phase"}),

		ObjectiveScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "objective_score",
			Help:      "Distribution of J(A) scores produced by completed cycles.",
			Buckets:   []float64{-5, -2, -1, 0, 1, 2, 5, 10, 20},
		}),

		CoveragePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "coverage_percent",
			Help:      "Coverage percentage achieved by the most recently completed cycle.",
		}),

		RecoveryRatePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "ooda",
			Name:      "recovery_rate_percent",
			Help:      "Recovery rate percentage of the most recently completed cycle.",
		}),

		OptimizationIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gcs",
			Subsystem: "optimizer",
			Name:      "iterations",
			Help:      "Local-search iterations consumed per Decide phase.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),

		VehiclesOperational: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "fleet",
			Name:      "vehicles_operational",
			Help:      "Current number of operational vehicles.",
		}),

		VehiclesFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "fleet",
			Name:      "vehicles_failed",
			Help:      "Current number of non-operational vehicles.",
		}),

		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcs",
			Subsystem: "fleet",
			Name:      "failures_total",
			Help:      "Total vehicle failure transitions, by failure mode.",
		}, []string{"failure_mode"}),

		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "missiondb",
			Name:      "tasks",
			Help:      "Current task count, by status.",
		}, []string{"status"}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gcs",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "BoltDB decision-ledger write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "audit",
			Name:      "ledger_entries",
			Help:      "Current number of persisted decisions in the audit ledger.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcs",
			Subsystem: "engine",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the engine started.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDurationSeconds,
		m.PhaseDurationSeconds,
		m.PhaseTimeoutsTotal,
		m.ObjectiveScore,
		m.CoveragePercent,
		m.RecoveryRatePercent,
		m.OptimizationIterations,
		m.VehiclesOperational,
		m.VehiclesFailed,
		m.FailuresTotal,
		m.TasksByStatus,
		m.AuditWriteLatency,
		m.AuditLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// OnPhaseTransition implements ooda.Observer.
func (m *Metrics) OnPhaseTransition(phase string, duration time.Duration, timedOut bool) {
	m.PhaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
	if timedOut {
		m.PhaseTimeoutsTotal.WithLabelValues(phase).Inc()
	}
}

// OnDecision implements ooda.Observer.
func (m *Metrics) OnDecision(decision model.OODADecision) {
	m.CyclesTotal.WithLabelValues(decision.Strategy.String()).Inc()
	m.CycleDurationSeconds.Observe(decision.TotalDurationMS / 1000)
	if score, ok := decision.Metrics["objective_score"]; ok {
		m.ObjectiveScore.Observe(score)
	}
	if recovery, ok := decision.Metrics["recovery_rate"]; ok {
		m.RecoveryRatePercent.Set(recovery)
	}
	if coverageLoss, ok := decision.Metrics["coverage_loss"]; ok {
		m.CoveragePercent.Set(100 - coverageLoss)
	}
	if iters, ok := decision.Metrics["optimization_iterations"]; ok {
		m.OptimizationIterations.Observe(iters)
	}
}

// RecordFailure records one vehicle failure transition.
func (m *Metrics) RecordFailure(mode model.FailureMode) {
	m.FailuresTotal.WithLabelValues(mode.String()).Inc()
}

// SetFleetCounts updates the current operational/failed vehicle gauges.
func (m *Metrics) SetFleetCounts(operational, failed int) {
	m.VehiclesOperational.Set(float64(operational))
	m.VehiclesFailed.Set(float64(failed))
}

// SetTaskCounts updates the per-status task gauges from a missiondb.Stats
// shape. Declared with plain ints rather than importing missiondb to
// avoid a dependency cycle; callers pass the fields through.
func (m *Metrics) SetTaskCounts(pending, assigned, inProgress, completed, failed int) {
	m.TasksByStatus.WithLabelValues("pending").Set(float64(pending))
	m.TasksByStatus.WithLabelValues("assigned").Set(float64(assigned))
	m.TasksByStatus.WithLabelValues("in_progress").Set(float64(inProgress))
	m.TasksByStatus.WithLabelValues("completed").Set(float64(completed))
	m.TasksByStatus.WithLabelValues("failed").Set(float64(failed))
}

// Serve starts the Prometheus HTTP metrics server on addr. Blocks until
// ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
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

	go m.updateUptime(ctx)

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

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// Package main — cmd/gcs/main.go
//
// GCS decision engine entrypoint.
//
// Startup sequence:
//  1. Load and validate config from the path given by -config.
//  2. Initialise structured logger (zap).
//  3. Open the audit ledger (BoltDB), if enabled, and prune stale entries.
//  4. Build the Mission Database, Constraint Validator, and Fleet Monitor.
//  5. Build the OODA Engine and attach the metrics and audit observers.
//  6. Start the Prometheus metrics/health server.
//  7. Start the Fleet Monitor polling loop.
//  8. Build the Objective Function and start the decision worker: one
//     OODA cycle per failure event, processed sequentially.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (stops polling and the metrics server).
//  2. Wait (max 5s) for the decision worker to finish its current cycle;
//     trigger requests still queued are discarded.
//  3. Close the audit ledger.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config load/validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gcs-fleet/decision-engine/internal/audit"
	"github.com/gcs-fleet/decision-engine/internal/config"
	"github.com/gcs-fleet/decision-engine/internal/fleetmonitor"
	"github.com/gcs-fleet/decision-engine/internal/metrics"
	"github.com/gcs-fleet/decision-engine/internal/missiondb"
	"github.com/gcs-fleet/decision-engine/internal/model"
	"github.com/gcs-fleet/decision-engine/internal/objective"
	"github.com/gcs-fleet/decision-engine/internal/ooda"
	"github.com/gcs-fleet/decision-engine/internal/validator"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/gcs/config.yaml", "Path to config.yaml")
	flag.Parse()

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("gcs decision engine starting",
		zap.String("config", *configPath),
		zap.String("mission_kind", cfg.Mission.Kind),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Audit ledger ──────────────────────────────────────────────────
	var ledger *audit.Ledger
	if cfg.Audit.Enabled {
		ledger, err = audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays, log)
		if err != nil {
			log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.Audit.DBPath))
		}
		defer ledger.Close() //nolint:errcheck

		deleted, err := ledger.PruneOld(time.Now())
		if err != nil {
			log.Warn("audit ledger pruning failed", zap.Error(err))
		} else {
			log.Info("audit ledger pruned", zap.Int("deleted", deleted))
		}
	} else {
		log.Info("audit ledger disabled")
	}

	// ── Step 4: Core components ───────────────────────────────────────────────
	missionCtx, err := cfg.Mission.ToMissionContext()
	if err != nil {
		log.Fatal("invalid mission config", zap.Error(err))
	}

	db := missiondb.New()

	v := validator.New(validator.Config{
		GridBounds:             validator.GridBounds(cfg.Validator.GridBounds),
		HasGridBounds:          cfg.Validator.HasGridBounds,
		EnergyEfficiency:       cfg.Validator.EnergyEfficiency,
		NominalCapacity:        cfg.Validator.NominalCapacity,
		SafetyReserveFraction:  cfg.Validator.SafetyReserveFraction,
		AverageSpeedMPS:        cfg.Validator.AverageSpeedMPS,
		CollisionSafetyBufferM: cfg.Validator.CollisionSafetyBufferM,
	})

	monitor := fleetmonitor.New(fleetmonitor.Config{
		PollInterval:             cfg.Telemetry.PollInterval(),
		RequestTimeout:           cfg.Telemetry.Timeout(),
		BatteryHistoryCapacity:   cfg.Telemetry.BatteryHistoryCapacity,
		PositionHistoryCapacity: cfg.Telemetry.PositionHistoryCapacity,
		Detectors: fleetmonitor.DetectorConfig{
			TimeoutThreshold:           cfg.Telemetry.Timeout(),
			BatteryDischargeRatePct30s: cfg.Anomaly.BatteryDischargeRatePct30s,
			PositionDiscontinuityM:     cfg.Anomaly.PositionDiscontinuityM,
			PollInterval:               cfg.Telemetry.PollInterval(),
			AltitudeMinM:               cfg.Anomaly.AltitudeMinM,
			AltitudeMaxM:               cfg.Anomaly.AltitudeMaxM,
			AltitudeToleranceM:         cfg.Anomaly.AltitudeToleranceM,
		},
	}, log)

	engine := ooda.New(ooda.PhaseBudgets{
		Observe: time.Duration(cfg.Phases.ObserveMS * float64(time.Millisecond)),
		Orient:  time.Duration(cfg.Phases.OrientMS * float64(time.Millisecond)),
		Decide:  time.Duration(cfg.Phases.DecideMS * float64(time.Millisecond)),
		Act:     time.Duration(cfg.Phases.ActMS * float64(time.Millisecond)),
	}, log, time.Now)

	// ── Step 5: Observers ──────────────────────────────────────────────────────
	m := metrics.New()
	engine.Subscribe(m)
	if ledger != nil {
		engine.Subscribe(ledger)
	}

	// ── Step 6: Metrics/health server ─────────────────────────────────────────
	go func() {
		if err := m.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Fleet Monitor ──────────────────────────────────────────────────
	monitor.Start(ctx)
	log.Info("fleet monitor started", zap.Duration("poll_interval", cfg.Telemetry.PollInterval()))

	// ── Step 8: Decision worker ────────────────────────────────────────────────
	// A failure callback enqueues a trigger request; the worker processes
	// requests one at a time so at most one OODA cycle runs concurrently
	// (spec §5: "a second failure arriving while a cycle is in progress is
	// queued and processed sequentially").
	triggerCh := make(chan struct{}, 64)
	monitor.SubscribeFailures(func(id model.VehicleID, mode model.FailureMode) {
		log.Warn("vehicle failure detected", zap.Int64("vehicle_id", int64(id)), zap.String("failure_mode", mode.String()))
		m.RecordFailure(mode)
		select {
		case triggerCh <- struct{}{}:
		default:
			// Channel full: a cycle is already pending; coalescing is safe
			// because Trigger always reads the latest fleet snapshot.
		}
	})

	nearestDist := func(t model.Task) (float64, bool) {
		fleet := monitor.Snapshot(time.Now())
		best := math.MaxFloat64
		found := false
		for _, id := range fleet.Operational {
			pos, ok := fleet.Positions[id]
			if !ok {
				continue
			}
			d := math.Hypot(t.Position.X-pos.X, t.Position.Y-pos.Y)
			if !found || d < best {
				best = d
				found = true
			}
		}
		return best, found
	}
	// No external coverage-gap tracker is wired into this binary; every
	// zone reports "no gap tracked", which objective.Function treats as 0
	// per spec §4.3.
	var coverageGap objective.CoverageGap

	objFn := objective.New(missionCtx, nearestDist, coverageGap, func() int64 { return time.Now().Unix() })

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-triggerCh:
				fleet := monitor.Snapshot(time.Now())
				decision := engine.Trigger(fleet, db, v, objFn, missionCtx, cfg.Validator.AverageSpeedMPS)
				operational, failed := monitor.Counts()
				m.SetFleetCounts(operational, failed)
				stats := db.Stats()
				m.SetTaskCounts(stats.PendingTasks, stats.AssignedTasks, stats.InProgress, stats.CompletedTasks, stats.FailedTasks)
				log.Info("ooda cycle complete",
					zap.String("strategy", decision.Strategy.String()),
					zap.String("rationale", decision.Rationale),
					zap.Float64("total_duration_ms", decision.TotalDurationMS),
				)
			}
		}
	}()

	// ── Step 9: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	monitor.Stop()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-workerDone:
		log.Info("decision worker drained")
	}

	log.Info("gcs decision engine shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

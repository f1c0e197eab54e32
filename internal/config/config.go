// Package config provides configuration loading, defaulting, and
// validation for the GCS fleet decision engine.
//
// Schema version: 1
//
// Validation:
//   - All numeric ranges are enforced (weights >= 0, rates > 0, etc).
//   - Invalid config is always a fatal error — there is no hot-reload path
//     for this core; an embedding application that wants hot-reload layers
//     it on top by calling Load again and passing the new validator,
//     objective function and mission context to later Engine.Trigger
//     calls (internal/ooda caches none of them).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

// SchemaVersion is the current configuration schema version.
const SchemaVersion = "1"

// Config is the root configuration for the engine.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Phases     PhaseConfig      `yaml:"phases"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Mission    MissionConfig    `yaml:"mission"`
	Observability ObservabilityConfig `yaml:"observability"`
	Audit      AuditConfig      `yaml:"audit"`
}

// TelemetryConfig holds Fleet Monitor polling parameters.
type TelemetryConfig struct {
	// RateHz is the polling frequency. Default: 2.0.
	RateHz float64 `yaml:"rate_hz"`

	// TimeoutSec is how long the monitor waits for a telemetry reply
	// before classifying the vehicle as a communication timeout.
	// Default: 3.0.
	TimeoutSec float64 `yaml:"timeout_sec"`

	// BatteryHistoryCapacity is the minimum bounded-history capacity for
	// battery samples. Must be >= 60 per spec §3. Default: 60.
	BatteryHistoryCapacity int `yaml:"battery_history_capacity"`

	// PositionHistoryCapacity is the minimum bounded-history capacity for
	// position samples. Must be >= 10 per spec §3. Default: 10.
	PositionHistoryCapacity int `yaml:"position_history_capacity"`
}

// PollInterval returns 1/RateHz as a time.Duration.
func (t TelemetryConfig) PollInterval() time.Duration {
	if t.RateHz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / t.RateHz)
}

// Timeout returns TimeoutSec as a time.Duration.
func (t TelemetryConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec * float64(time.Second))
}

// PhaseConfig holds per-phase OODA timeout budgets, in milliseconds.
// Exceeding a budget is logged as a warning; it never aborts the cycle
// (spec §4.6/§7), except Decide's budget, which is enforced inside the
// optimizer itself via Mission.OptimizationBudgetMS.
type PhaseConfig struct {
	ObserveMS float64 `yaml:"observe_ms"`
	OrientMS  float64 `yaml:"orient_ms"`
	DecideMS  float64 `yaml:"decide_ms"`
	ActMS     float64 `yaml:"act_ms"`
}

// ValidatorConfig holds Constraint Validator parameters (spec §4.2).
type ValidatorConfig struct {
	GridBounds      GridBounds `yaml:"grid_bounds"`
	HasGridBounds   bool       `yaml:"-"`

	EnergyEfficiency       float64 `yaml:"energy_efficiency"`        // meters per unit energy
	NominalCapacity        float64 `yaml:"nominal_capacity"`         // percent
	SafetyReserveFraction  float64 `yaml:"safety_reserve_fraction"`  // [0,1]
	AverageSpeedMPS        float64 `yaml:"average_speed_mps"`
	CollisionSafetyBufferM float64 `yaml:"collision_safety_buffer_m"`
}

// GridBounds is the operational rectangle [XMin,XMax] x [YMin,YMax].
type GridBounds struct {
	XMin, XMax, YMin, YMax float64
}

// AnomalyConfig holds the Fleet Monitor's four failure-detector thresholds
// (spec §4.5).
type AnomalyConfig struct {
	// BatteryDischargeRatePct30s is the discharge-rate threshold, percent
	// consumed per 30 seconds. Default: 5.0.
	BatteryDischargeRatePct30s float64 `yaml:"battery_discharge_rate_pct_30s"`

	// PositionDiscontinuityM is the raw position-jump threshold, meters.
	// The effective threshold used is min(this, 15 m/s * poll_interval).
	// Default: 50.0.
	PositionDiscontinuityM float64 `yaml:"position_discontinuity_m"`

	// AltitudeMinM / AltitudeMaxM / AltitudeToleranceM bound the legal
	// altitude envelope: [AltitudeMinM - tol, AltitudeMaxM + tol].
	// Defaults: 5.0, 120.0, 0.0.
	AltitudeMinM       float64 `yaml:"altitude_min_m"`
	AltitudeMaxM       float64 `yaml:"altitude_max_m"`
	AltitudeToleranceM float64 `yaml:"altitude_tolerance_m"`
}

// MissionConfig selects the mission kind and its weights/overrides
// (spec §3's MissionContext).
type MissionConfig struct {
	Kind string `yaml:"kind"` // "surveillance" | "search_rescue" | "delivery"

	WeightTemporal    float64 `yaml:"weight_temporal"`
	WeightCriticality float64 `yaml:"weight_criticality"`
	WeightSpatial     float64 `yaml:"weight_spatial"`

	UnallocatedPenalty float64 `yaml:"unallocated_penalty"` // λ

	CoverageGapWeight float64 `yaml:"coverage_gap_weight"` // γ

	GoldenHourBonusWeight float64 `yaml:"golden_hour_bonus_weight"` // β
	GoldenHourWindowSec   float64 `yaml:"golden_hour_window_sec"`   // 0 disables

	MaxVehicleRangeM float64 `yaml:"max_vehicle_range_m"`

	OptimizationBudgetMS float64 `yaml:"optimization_budget_ms"`
	LocalSearchEnabled   bool    `yaml:"local_search_enabled"`
	LocalSearchMaxIters  int     `yaml:"local_search_max_iters"`
}

// TaskKind parses the configured mission kind into a model.TaskKind.
func (m MissionConfig) TaskKind() (model.TaskKind, error) {
	switch m.Kind {
	case "surveillance":
		return model.TaskSurveillance, nil
	case "search_rescue":
		return model.TaskSearchRescue, nil
	case "delivery":
		return model.TaskDelivery, nil
	default:
		return 0, fmt.Errorf("mission.kind: unknown kind %q", m.Kind)
	}
}

// ToMissionContext builds an immutable model.MissionContext from the
// configuration. Called once at mission start (spec §3).
func (m MissionConfig) ToMissionContext() (model.MissionContext, error) {
	kind, err := m.TaskKind()
	if err != nil {
		return model.MissionContext{}, err
	}
	return model.MissionContext{
		Kind: kind,
		Weights: model.PriorityWeights{
			Temporal:    m.WeightTemporal,
			Criticality: m.WeightCriticality,
			Spatial:     m.WeightSpatial,
		},
		UnallocatedPenalty:    m.UnallocatedPenalty,
		CoverageGapWeight:     m.CoverageGapWeight,
		GoldenHourBonusWeight: m.GoldenHourBonusWeight,
		GoldenHourWindow:      time.Duration(m.GoldenHourWindowSec * float64(time.Second)),
		MaxVehicleRange:       m.MaxVehicleRangeM,
		OptimizationBudget:    time.Duration(m.OptimizationBudgetMS * float64(time.Millisecond)),
		LocalSearchEnabled:    m.LocalSearchEnabled,
		LocalSearchMaxIters:   m.LocalSearchMaxIters,
	}, nil
}

// ObservabilityConfig holds metrics server parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// AuditConfig holds the optional BoltDB decision-ledger parameters.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: SchemaVersion,
		Telemetry: TelemetryConfig{
			RateHz:                  2.0,
			TimeoutSec:              3.0,
			BatteryHistoryCapacity:  60,
			PositionHistoryCapacity: 10,
		},
		Phases: PhaseConfig{
			ObserveMS: 50,
			OrientMS:  100,
			DecideMS:  2000,
			ActMS:     200,
		},
		Validator: ValidatorConfig{
			EnergyEfficiency:       50.0,
			NominalCapacity:        100.0,
			SafetyReserveFraction:  0.15,
			AverageSpeedMPS:        12.0,
			CollisionSafetyBufferM: 5.0,
		},
		Anomaly: AnomalyConfig{
			BatteryDischargeRatePct30s: 5.0,
			PositionDiscontinuityM:     50.0,
			AltitudeMinM:               5.0,
			AltitudeMaxM:               120.0,
			AltitudeToleranceM:         0.0,
		},
		Mission: MissionConfig{
			Kind:                 "surveillance",
			WeightTemporal:       0.4,
			WeightCriticality:    0.4,
			WeightSpatial:        0.2,
			UnallocatedPenalty:   0.5,
			CoverageGapWeight:    0.3,
			GoldenHourBonusWeight: 0.2,
			GoldenHourWindowSec:  0,
			MaxVehicleRangeM:     2000,
			OptimizationBudgetMS: 2000,
			LocalSearchEnabled:   true,
			LocalSearchMaxIters:  500,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9191",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Audit: AuditConfig{
			Enabled:       false,
			DBPath:        "/var/lib/gcs-fleet/decisions.db",
			RetentionDays: 30,
		},
	}
}

// Load reads and validates a config file from path.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	cfg.Validator.HasGridBounds = hasNonZeroBounds(cfg.Validator.GridBounds)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

func hasNonZeroBounds(b GridBounds) bool {
	return b.XMin != 0 || b.XMax != 0 || b.YMin != 0 || b.YMax != 0
}

// Validate checks all config fields for correctness, accumulating every
// violation into one error rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("schema_version must be %q, got %q", SchemaVersion, cfg.SchemaVersion))
	}
	if cfg.Telemetry.RateHz <= 0 {
		errs = append(errs, fmt.Sprintf("telemetry.rate_hz must be > 0, got %f", cfg.Telemetry.RateHz))
	}
	if cfg.Telemetry.TimeoutSec <= 0 {
		errs = append(errs, fmt.Sprintf("telemetry.timeout_sec must be > 0, got %f", cfg.Telemetry.TimeoutSec))
	}
	if cfg.Telemetry.BatteryHistoryCapacity < 60 {
		errs = append(errs, fmt.Sprintf("telemetry.battery_history_capacity must be >= 60, got %d", cfg.Telemetry.BatteryHistoryCapacity))
	}
	if cfg.Telemetry.PositionHistoryCapacity < 10 {
		errs = append(errs, fmt.Sprintf("telemetry.position_history_capacity must be >= 10, got %d", cfg.Telemetry.PositionHistoryCapacity))
	}
	if cfg.Validator.EnergyEfficiency <= 0 {
		errs = append(errs, "validator.energy_efficiency must be > 0")
	}
	if cfg.Validator.SafetyReserveFraction < 0 || cfg.Validator.SafetyReserveFraction > 1 {
		errs = append(errs, "validator.safety_reserve_fraction must be in [0,1]")
	}
	if cfg.Validator.AverageSpeedMPS <= 0 {
		errs = append(errs, "validator.average_speed_mps must be > 0")
	}
	if cfg.Validator.CollisionSafetyBufferM < 0 {
		errs = append(errs, "validator.collision_safety_buffer_m must be >= 0")
	}
	if _, err := cfg.Mission.TaskKind(); err != nil {
		errs = append(errs, err.Error())
	}
	wSum := cfg.Mission.WeightTemporal + cfg.Mission.WeightCriticality + cfg.Mission.WeightSpatial
	if cfg.Mission.WeightTemporal < 0 || cfg.Mission.WeightCriticality < 0 || cfg.Mission.WeightSpatial < 0 {
		errs = append(errs, "mission weights must be >= 0")
	}
	if wSum < 0.9 || wSum > 1.1 {
		errs = append(errs, fmt.Sprintf("mission weights must sum to approximately 1.0, got %f", wSum))
	}
	if cfg.Mission.UnallocatedPenalty < 0 {
		errs = append(errs, "mission.unallocated_penalty must be >= 0")
	}
	if cfg.Mission.OptimizationBudgetMS <= 0 {
		errs = append(errs, "mission.optimization_budget_ms must be > 0")
	}
	if cfg.Mission.LocalSearchMaxIters < 0 {
		errs = append(errs, "mission.local_search_max_iters must be >= 0")
	}
	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path must not be empty when audit.enabled is true")
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, "audit.retention_days must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// Package fleetmonitor — detectors.go
//
// Four independent failure detectors (spec §4.5), evaluated in a fixed
// order with first-match-wins semantics. Each is a pure function over
// explicit inputs so it can be tested without a running Monitor.
package fleetmonitor

import (
	"time"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

// DetectorConfig holds every threshold the four detectors need.
type DetectorConfig struct {
	TimeoutThreshold time.Duration

	BatteryDischargeRatePct30s float64

	PositionDiscontinuityM float64
	PollInterval           time.Duration // used to derive max_expected_step = 15 m/s * poll_interval

	AltitudeMinM       float64
	AltitudeMaxM       float64
	AltitudeToleranceM float64
}

// maxExpectedStepMPS is the feasible-motion ceiling spec §4.5 uses to
// bound the position-discontinuity threshold.
const maxExpectedStepMPS = 15.0

// detectTimeout is detector 1: now - last_telemetry_time > threshold.
// Fires even without a fresh sample, since a stalled vehicle never
// produces one.
func detectTimeout(lastTelemetryAt, now time.Time, threshold time.Duration) bool {
	if lastTelemetryAt.IsZero() {
		return false
	}
	return now.Sub(lastTelemetryAt) > threshold
}

// detectBatteryAnomaly is detector 2: with >=5 samples, computes the
// discharge rate between the oldest and newest sample within the last
// ~30 seconds, normalized to percent-per-30s, and fires if it exceeds
// thresholdPct30s.
func detectBatteryAnomaly(history []model.BatterySample, thresholdPct30s float64) bool {
	if len(history) < 5 {
		return false
	}

	newest := history[len(history)-1]
	window := newest.At.Add(-30 * time.Second)

	oldest := history[0]
	for _, s := range history {
		if s.At.Before(window) {
			continue
		}
		oldest = s
		break
	}

	dt := newest.At.Sub(oldest.At).Seconds()
	if dt <= 0 {
		return false
	}

	dischargeRate := (oldest.SOC - newest.SOC) / dt * 30
	return dischargeRate > thresholdPct30s
}

// detectPositionDiscontinuity is detector 3: with >=2 samples, fires if
// the jump between the last two samples exceeds
// min(configured_threshold, 15 m/s * poll_interval).
func detectPositionDiscontinuity(history []model.Position, cfg DetectorConfig) bool {
	if len(history) < 2 {
		return false
	}
	prev := history[len(history)-2]
	last := history[len(history)-1]

	maxExpectedStep := maxExpectedStepMPS * cfg.PollInterval.Seconds()
	threshold := cfg.PositionDiscontinuityM
	if maxExpectedStep < threshold {
		threshold = maxExpectedStep
	}

	return model.Distance(last, prev) > threshold
}

// detectAltitudeViolation is detector 4: fires outside
// [min - tolerance, max + tolerance].
func detectAltitudeViolation(pos model.Position, cfg DetectorConfig) bool {
	return pos.Z > cfg.AltitudeMaxM+cfg.AltitudeToleranceM || pos.Z < cfg.AltitudeMinM-cfg.AltitudeToleranceM
}

// runDetectors evaluates all four detectors in spec order, first match
// wins, returning (model.FailureNone, false) if none fire.
func runDetectors(
	lastTelemetryAt, now time.Time,
	batteryHist []model.BatterySample,
	positionHist []model.Position,
	currentPos model.Position,
	cfg DetectorConfig,
) (model.FailureMode, bool) {
	if detectTimeout(lastTelemetryAt, now, cfg.TimeoutThreshold) {
		return model.FailureTimeout, true
	}
	if detectBatteryAnomaly(batteryHist, cfg.BatteryDischargeRatePct30s) {
		return model.FailureBatteryAnomaly, true
	}
	if detectPositionDiscontinuity(positionHist, cfg) {
		return model.FailurePositionAnomaly, true
	}
	if detectAltitudeViolation(currentPos, cfg) {
		return model.FailureAltitudeViolation, true
	}
	return model.FailureNone, false
}

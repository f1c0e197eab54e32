// Package fleetmonitor — vehicle.go
//
// Per-vehicle runtime record (spec §3 VehicleStatus, component C5).
//
// Monotonicity invariant:
//   - operational only ever transitions true -> false within the
//     lifetime of one Monitor instance. Recovery is modeled as a new
//     registration, never as a reverse transition (spec I3).
//   - All fields are protected by mu; callers outside this package never
//     see *vehicleState, only the VehicleSnapshot copy it produces.
package fleetmonitor

import (
	"sync"
	"time"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

// boundedBatteryHistory and boundedPositionHistory below are ring
// buffers: fixed capacity, oldest sample overwritten once full, so
// per-vehicle memory is O(1) regardless of mission length (spec §9,
// "Mission-wide stats... kept as bounded rolling structures").

type batteryHistory struct {
	samples  []model.BatterySample
	capacity int
	next     int
	full     bool
}

func newBatteryHistory(capacity int) *batteryHistory {
	return &batteryHistory{samples: make([]model.BatterySample, capacity), capacity: capacity}
}

func (h *batteryHistory) push(s model.BatterySample) {
	h.samples[h.next] = s
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

// ordered returns samples oldest-first.
func (h *batteryHistory) ordered() []model.BatterySample {
	if !h.full {
		return append([]model.BatterySample(nil), h.samples[:h.next]...)
	}
	out := make([]model.BatterySample, 0, h.capacity)
	out = append(out, h.samples[h.next:]...)
	out = append(out, h.samples[:h.next]...)
	return out
}

func (h *batteryHistory) len() int {
	if h.full {
		return h.capacity
	}
	return h.next
}

type positionHistory struct {
	samples  []model.Position
	capacity int
	next     int
	full     bool
}

func newPositionHistory(capacity int) *positionHistory {
	return &positionHistory{samples: make([]model.Position, capacity), capacity: capacity}
}

func (h *positionHistory) push(p model.Position) {
	h.samples[h.next] = p
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

func (h *positionHistory) len() int {
	if h.full {
		return h.capacity
	}
	return h.next
}

// last returns the n most recent samples, most-recent-last. It does not
// check n against len(): for larger n the index wraps around the ring and
// older or zero-valued slots are returned, so callers check len() first.
func (h *positionHistory) last(n int) []model.Position {
	out := make([]model.Position, n)
	idx := h.next
	for i := n - 1; i >= 0; i-- {
		idx--
		if idx < 0 {
			idx = h.capacity - 1
		}
		out[i] = h.samples[idx]
	}
	return out
}

// vehicleState is the mutable record the Monitor owns for one vehicle.
type vehicleState struct {
	mu sync.Mutex

	id        model.VehicleID
	connected bool

	operational bool
	failureMode model.FailureMode

	lastTelemetryAt time.Time
	position        model.Position
	attitude        model.Quaternion
	battery         float64
	sparePayloadKg  float64
	activeTasks     []model.TaskID

	permissions model.VehiclePermissions

	batteryHist  *batteryHistory
	positionHist *positionHistory

	transport TelemetryClient
}

func newVehicleState(id model.VehicleID, transport TelemetryClient, batteryCap, positionCap int, perms model.VehiclePermissions) *vehicleState {
	return &vehicleState{
		id:           id,
		connected:    true,
		operational:  true,
		failureMode:  model.FailureNone,
		transport:    transport,
		batteryHist:  newBatteryHistory(batteryCap),
		positionHist: newPositionHistory(positionCap),
		permissions:  perms,
	}
}

func (vs *vehicleState) applyTelemetry(now time.Time, reading TelemetryReading) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.lastTelemetryAt = now
	vs.position = reading.Position
	if reading.HasAttitude {
		vs.attitude = reading.Attitude
	}
	vs.battery = reading.Battery
	if reading.HasSparePayload {
		vs.sparePayloadKg = reading.SparePayloadKg
	}
	if reading.HasActiveTasks {
		vs.activeTasks = append([]model.TaskID(nil), reading.ActiveTasks...)
	}

	vs.batteryHist.push(model.BatterySample{At: now, SOC: reading.Battery})
	vs.positionHist.push(reading.Position)
}

// markFailed flips operational to false and records mode, iff the
// vehicle is not already non-operational (spec: "A vehicle that is
// already non-operational does not re-fire"). Returns true iff this call
// performed the transition.
func (vs *vehicleState) markFailed(mode model.FailureMode) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !vs.operational {
		return false
	}
	vs.operational = false
	vs.failureMode = mode
	return true
}

func (vs *vehicleState) snapshot() model.VehicleSnapshot {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	return model.VehicleSnapshot{
		ID:              vs.id,
		Connected:       vs.connected,
		Operational:     vs.operational,
		LastTelemetryAt: vs.lastTelemetryAt,
		Position:        vs.position,
		Attitude:        vs.attitude,
		Battery:         vs.battery,
		SparePayloadKg:  vs.sparePayloadKg,
		ActiveTasks:     append([]model.TaskID(nil), vs.activeTasks...),
		FailureMode:     vs.failureMode,
		Permissions:     vs.permissions,
	}
}

func (vs *vehicleState) isOperational() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.operational
}

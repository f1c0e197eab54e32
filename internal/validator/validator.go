// Package validator — validator.go
//
// Pure predicate layer (spec §4.2, component C2). Every function here is
// side-effect-free and referentially transparent given its inputs: no
// package state, no I/O, safe to call concurrently from any number of
// goroutines without synchronization.
//
// Reason is not an error. A failed predicate is an expected outcome that
// drives the optimizer's search and the OODA engine's escalation logic
// (spec §7) — these functions return (bool, Reason), never error.
package validator

import (
	"github.com/gcs-fleet/decision-engine/internal/model"
)

// Reason names which predicate rejected a candidate assignment, or
// ReasonNone if every predicate passed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonGridBoundary
	ReasonEnergy
	ReasonPayload
	ReasonDeadline
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonGridBoundary:
		return "grid_boundary"
	case ReasonEnergy:
		return "energy"
	case ReasonPayload:
		return "payload"
	case ReasonDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// GridBounds is the operational rectangle, inclusive at both ends (spec
// B3: a task exactly on the boundary passes).
type GridBounds struct {
	XMin, XMax, YMin, YMax float64
}

// Contains reports whether p lies within b, using closed-interval
// containment on x and y (z is unconstrained by the grid check).
func (b GridBounds) Contains(p model.Position) bool {
	return p.X >= b.XMin && p.X <= b.XMax && p.Y >= b.YMin && p.Y <= b.YMax
}

// Config holds every configuration constant the Validator's predicates
// need (spec §4.2, §6).
type Config struct {
	GridBounds    GridBounds
	HasGridBounds bool

	EnergyEfficiency      float64 // meters per unit energy
	NominalCapacity       float64 // percent
	SafetyReserveFraction float64 // [0,1]

	AverageSpeedMPS float64

	CollisionSafetyBufferM float64
}

// Candidate bundles everything check_all needs about one proposed
// (vehicle, task) pair.
type Candidate struct {
	Task model.Task

	VehiclePosition    model.Position
	VehicleBattery     float64 // percent, [0,100]
	VehicleSpareKg     float64
	VehicleMayExitGrid bool

	// ExistingTaskPositions is the ordered chain of positions for the
	// vehicle's current task list, used to compute already-committed
	// energy (spec §4.2.2: "chained through the task sequence").
	ExistingTaskPositions []model.Position

	Now int64 // unix seconds, so callers can inject deterministic "now" in tests
}

// Validator evaluates candidate assignments against a fixed Config.
type Validator struct {
	cfg Config
}

// New returns a Validator bound to cfg.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// AverageSpeedMPS exposes the configured average vehicle speed so other
// components (the optimizer, the objective function's golden-hour/deadline
// modifiers) can estimate travel time the same way the deadline predicate
// does.
func (v *Validator) AverageSpeedMPS() float64 {
	return v.cfg.AverageSpeedMPS
}

// Config returns a copy of the Validator's configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// CheckGridBoundary is predicate 1 (spec §4.2.1).
func (v *Validator) CheckGridBoundary(c Candidate) bool {
	if !v.cfg.HasGridBounds {
		return true
	}
	if c.VehicleMayExitGrid {
		return true
	}
	return v.cfg.GridBounds.Contains(c.Task.Position)
}

// committedEnergy returns the round-trip energy already committed by the
// vehicle's existing task chain: vehicle -> task1 -> task2 -> ... using
// the same 2*distance/efficiency formula as the candidate check.
func (v *Validator) committedEnergy(vehiclePos model.Position, chain []model.Position) float64 {
	if v.cfg.EnergyEfficiency <= 0 {
		return 0
	}
	total := 0.0
	from := vehiclePos
	for _, to := range chain {
		total += 2 * model.Distance(from, to) / v.cfg.EnergyEfficiency
		from = to
	}
	return total
}

// CheckEnergy is predicate 2 (spec §4.2.2).
func (v *Validator) CheckEnergy(c Candidate) bool {
	if v.cfg.EnergyEfficiency <= 0 {
		return false
	}
	required := 2 * model.Distance(c.VehiclePosition, c.Task.Position) / v.cfg.EnergyEfficiency
	committed := v.committedEnergy(c.VehiclePosition, c.ExistingTaskPositions)
	reserve := v.cfg.SafetyReserveFraction * v.cfg.NominalCapacity
	available := c.VehicleBattery - committed - reserve
	return available >= required
}

// CheckPayload is predicate 3 (spec §4.2.3). Passes trivially if the task
// carries no payload.
func (v *Validator) CheckPayload(c Candidate) bool {
	if !c.Task.HasPayload {
		return true
	}
	return c.VehicleSpareKg >= c.Task.PayloadKg
}

// CheckDeadline is predicate 4 (spec §4.2.4). Passes trivially if the
// task carries no deadline.
func (v *Validator) CheckDeadline(c Candidate) bool {
	if !c.Task.HasDeadline {
		return true
	}
	if v.cfg.AverageSpeedMPS <= 0 {
		return false
	}
	travel := model.Distance(c.VehiclePosition, c.Task.Position) / v.cfg.AverageSpeedMPS
	execution := c.Task.DurationSec
	remaining := float64(c.Task.Deadline.Unix() - c.Now)
	return remaining >= travel+execution
}

// CheckAll runs every predicate in the fixed, cheapest-first order spec
// §4.2 prescribes, short-circuiting on the first failure. Returns
// (true, ReasonNone) iff every predicate passes.
func (v *Validator) CheckAll(c Candidate) (bool, Reason) {
	if !v.CheckGridBoundary(c) {
		return false, ReasonGridBoundary
	}
	if !v.CheckEnergy(c) {
		return false, ReasonEnergy
	}
	if !v.CheckPayload(c) {
		return false, ReasonPayload
	}
	if !v.CheckDeadline(c) {
		return false, ReasonDeadline
	}
	return true, ReasonNone
}

// OperationalVehicle is the minimal shape CheckCollision needs for every
// *other* operational vehicle in the fleet.
type OperationalVehicle struct {
	ID       model.VehicleID
	Position model.Position
}

// CheckCollision is the advisory auxiliary predicate (spec §4.2,
// "Auxiliary predicate"). It is never consulted by the optimizer; it
// exists for callers that want a static waypoint-vs-current-position
// check. Returns false iff any waypoint lies within the configured
// safety buffer of any other operational vehicle's current position.
func (v *Validator) CheckCollision(self model.VehicleID, waypoints []model.Position, fleet []OperationalVehicle) bool {
	buf := v.cfg.CollisionSafetyBufferM
	for _, wp := range waypoints {
		for _, ov := range fleet {
			if ov.ID == self {
				continue
			}
			if model.Distance(wp, ov.Position) <= buf {
				return false
			}
		}
	}
	return true
}

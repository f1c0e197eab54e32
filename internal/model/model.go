// Package model holds the plain data types shared across the fleet
// decision engine. Nothing in this package is behavioral: no mutation,
// no I/O, no locking. Components exchange these types by value (or by
// pointer to an owned, private record) so that ownership boundaries
// stay obvious from the type system alone.
package model

import (
	"math"
	"time"
)

// VehicleID uniquely identifies a vehicle within a fleet.
type VehicleID int64

// TaskID uniquely identifies a task within a mission.
type TaskID int64

// Position is a point in the world frame, in meters.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Sub returns p - q as a vector.
func (p Position) Sub(q Position) Position {
	return Position{X: p.X - q.X, Y: p.Y - q.Y, Z: p.Z - q.Z}
}

// Norm returns the Euclidean length of p treated as a vector.
func (p Position) Norm() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// Distance returns the Euclidean distance between two positions.
func Distance(a, b Position) float64 {
	return a.Sub(b).Norm()
}

// Quaternion is an attitude representation, scalar-first (w, x, y, z).
type Quaternion struct {
	W, X, Y, Z float64
}

// TaskKind is the mission profile a task belongs to.
type TaskKind int

const (
	TaskSurveillance TaskKind = iota
	TaskSearchRescue
	TaskDelivery
)

func (k TaskKind) String() string {
	switch k {
	case TaskSurveillance:
		return "surveillance"
	case TaskSearchRescue:
		return "search_rescue"
	case TaskDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// TaskStatus is a task's lifecycle state.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskAssigned
	TaskInProgress
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is a terminal status (completed or failed).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one unit of mission work.
//
// Invariant: AssignedVehicle is set iff Status is Assigned or InProgress.
// A completed/failed task is terminal and never re-enters the assigned set.
// PayloadKg is present iff Kind == TaskDelivery.
type Task struct {
	ID       TaskID
	Kind     TaskKind
	Position Position
	Priority float64 // configured priority in [0, 100]
	Status   TaskStatus

	AssignedVehicle VehicleID
	HasAssignee     bool

	Deadline    time.Time
	HasDeadline bool

	DurationSec float64 // nominal execution duration

	PayloadKg    float64
	HasPayload   bool

	ZoneID    int64
	HasZone   bool
}

// Clone returns a deep copy of t (Task has no reference fields beyond
// time.Time, which copies by value, so this is a plain value copy, kept
// as a named method for callers who want to express intent explicitly
// when handing a Task out of the Mission Database).
func (t Task) Clone() Task {
	return t
}

// FailureMode is the reason a vehicle was marked non-operational.
type FailureMode int

const (
	FailureNone FailureMode = iota
	FailureTimeout
	FailureBatteryAnomaly
	FailurePositionAnomaly
	FailureAltitudeViolation
)

func (m FailureMode) String() string {
	switch m {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureBatteryAnomaly:
		return "battery_anomaly"
	case FailurePositionAnomaly:
		return "position_anomaly"
	case FailureAltitudeViolation:
		return "altitude_violation"
	default:
		return "unknown"
	}
}

// BatterySample is one (timestamp, state-of-charge) observation.
type BatterySample struct {
	At  time.Time
	SOC float64 // percent, [0, 100]
}

// VehiclePermissions holds per-vehicle authorization flags.
type VehiclePermissions struct {
	MayExitGrid bool
}

// VehicleSnapshot is a read-only, self-contained copy of a vehicle's
// runtime state, handed out by the Fleet Monitor to any consumer. No
// consumer may mutate the Fleet Monitor's own VehicleStatus record;
// they only ever see a VehicleSnapshot copy.
type VehicleSnapshot struct {
	ID          VehicleID
	Connected   bool
	Operational bool

	LastTelemetryAt time.Time
	Position        Position
	Attitude        Quaternion
	Battery         float64 // percent, [0, 100]
	SparePayloadKg  float64

	ActiveTasks []TaskID
	FailureMode FailureMode

	Permissions VehiclePermissions
}

// FleetState is an immutable snapshot of the fleet, passed into one OODA
// cycle. Invariant: Operational and Failed are disjoint; every id in
// LostTasks was previously assigned to a vehicle present in Failed.
type FleetState struct {
	Timestamp time.Time

	Operational []VehicleID
	Failed      []VehicleID

	Positions       map[VehicleID]Position
	Battery         map[VehicleID]float64
	SparePayloadKg  map[VehicleID]float64
	Permissions     map[VehicleID]VehiclePermissions

	LostTasks []TaskID
}

// MissionImpact is the output of the Orient phase.
type MissionImpact struct {
	CoverageLossPercent  float64
	AffectedZones        []int64
	FleetSpareEnergy     float64 // percent-equivalent, see DESIGN.md
	FleetSparePayloadKg  float64
	TemporalMarginSec    float64 // 0 when no task has a deadline
	RecoverableTaskCount int
	TotalLostTaskCount   int
}

// PriorityWeights holds the three weights from the objective function.
// w_temporal + w_criticality + w_spatial should sum to approximately 1.
type PriorityWeights struct {
	Temporal    float64
	Criticality float64
	Spatial     float64
}

// MissionContext is the immutable, per-mission configuration injected
// into the Objective Function and Allocation Optimizer.
type MissionContext struct {
	Kind    TaskKind
	Weights PriorityWeights

	UnallocatedPenalty float64 // λ

	// Surveillance.
	CoverageGapWeight float64 // γ

	// Search & rescue.
	GoldenHourBonusWeight float64       // β
	GoldenHourWindow      time.Duration // 0 disables the bonus

	MaxVehicleRange float64 // meters, spatial-cost normalizer

	OptimizationBudget  time.Duration
	LocalSearchEnabled  bool
	LocalSearchMaxIters int
}

// ReallocationPlan maps a vehicle to the ordered list of task ids newly
// assigned to it. An empty plan is legal.
type ReallocationPlan map[VehicleID][]TaskID

// Strategy is the categorical outcome of one OODA cycle.
type Strategy int

const (
	StrategyFullReallocation Strategy = iota
	StrategyPartialReallocation
	StrategyOperatorEscalation
	StrategyAbortMission
)

func (s Strategy) String() string {
	switch s {
	case StrategyFullReallocation:
		return "full_reallocation"
	case StrategyPartialReallocation:
		return "partial_reallocation"
	case StrategyOperatorEscalation:
		return "operator_escalation"
	case StrategyAbortMission:
		return "abort_mission"
	default:
		return "unknown"
	}
}

// PhaseDurations records how long each OODA phase took, in milliseconds.
type PhaseDurations struct {
	ObserveMS float64
	OrientMS  float64
	DecideMS  float64
	ActMS     float64
}

// OODADecision is the output of one full OODA cycle.
type OODADecision struct {
	Strategy  Strategy
	Plan      ReallocationPlan
	Rationale string
	Metrics   map[string]float64

	TotalDurationMS float64
	PhaseDurations  PhaseDurations
}

package ooda

import (
	"testing"
	"time"

	"github.com/gcs-fleet/decision-engine/internal/missiondb"
	"github.com/gcs-fleet/decision-engine/internal/model"
	"github.com/gcs-fleet/decision-engine/internal/objective"
	"github.com/gcs-fleet/decision-engine/internal/validator"
)

// These tests wire the real Mission Database, Constraint Validator, and
// Objective Function into one Engine, rather than the fakeDB used
// elsewhere in this package, reproducing the named end-to-end scenarios
// directly.

// zoneGrid returns the 9 zone centers and priorities for the 3x3 grid
// used by S1 and S2: columns at x=20,60,100, rows at y=100 (priority
// 90), y=60 (priority 60), y=20 (priority 40). Zones are numbered 1-9
// in row-major order from the top row down.
func zoneGrid() map[int64]model.Position {
	zones := make(map[int64]model.Position)
	id := int64(1)
	for _, y := range []float64{100, 60, 20} {
		for _, x := range []float64{20, 60, 100} {
			zones[id] = model.Position{X: x, Y: y}
			id++
		}
	}
	return zones
}

func zonePriority(zone int64) float64 {
	switch {
	case zone <= 3:
		return 90
	case zone <= 6:
		return 60
	default:
		return 40
	}
}

func nearestOperationalFromFleet(fleet model.FleetState) objective.NearestOperationalDistance {
	return func(t model.Task) (float64, bool) {
		best := 0.0
		found := false
		for _, id := range fleet.Operational {
			d := model.Distance(t.Position, fleet.Positions[id])
			if !found || d < best {
				best, found = d, true
			}
		}
		return best, found
	}
}

// TestScenarioS1SurveillanceMidMissionFailure reproduces spec §8's S1: 5
// vehicles, 9 zones on a 3x3 grid, vehicle 3 at the center zone fails
// with a dead battery. The lost zone-5 task must be fully recovered.
func TestScenarioS1SurveillanceMidMissionFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := missiondb.New()
	zones := zoneGrid()
	for zoneID, pos := range zones {
		task := model.Task{
			ID:       model.TaskID(zoneID),
			Kind:     model.TaskSurveillance,
			Position: pos,
			Priority: zonePriority(zoneID),
			ZoneID:   zoneID,
			HasZone:  true,
		}
		if err := db.AddTask(task); err != nil {
			t.Fatalf("AddTask(%d): %v", zoneID, err)
		}
	}
	// Vehicle 3 held zone 5 before failing; releasing it returns zone 5
	// to pending and is exactly the set of lost tasks the Fleet Monitor
	// reports in FleetState.LostTasks.
	if err := db.Assign(5, 3); err != nil {
		t.Fatalf("Assign(5, 3): %v", err)
	}
	lost := db.ReleaseVehicle(3)
	if len(lost) != 1 || lost[0] != 5 {
		t.Fatalf("expected zone 5 released, got %v", lost)
	}

	fleet := model.FleetState{
		Timestamp:   now,
		Operational: []model.VehicleID{1, 2, 4, 5},
		Failed:      []model.VehicleID{3},
		Positions: map[model.VehicleID]model.Position{
			1: {X: 20, Y: 100}, 2: {X: 100, Y: 100},
			4: {X: 20, Y: 20}, 5: {X: 100, Y: 20},
		},
		Battery: map[model.VehicleID]float64{
			1: 90, 2: 90, 4: 90, 5: 90,
		},
		SparePayloadKg: map[model.VehicleID]float64{
			1: 5, 2: 5, 4: 5, 5: 5,
		},
		Permissions: map[model.VehicleID]model.VehiclePermissions{
			1: {}, 2: {}, 4: {}, 5: {},
		},
		LostTasks: []model.TaskID{5},
	}

	v := validator.New(validator.Config{
		EnergyEfficiency:      50.0,
		NominalCapacity:       100.0,
		SafetyReserveFraction: 0.1,
		AverageSpeedMPS:       12.0,
	})
	ctx := model.MissionContext{
		Kind:                model.TaskSurveillance,
		Weights:             model.PriorityWeights{Temporal: 0.3, Criticality: 0.5, Spatial: 0.2},
		UnallocatedPenalty:  0.3,
		CoverageGapWeight:   0.2,
		MaxVehicleRange:     2000,
		OptimizationBudget:  time.Second,
		LocalSearchEnabled:  true,
		LocalSearchMaxIters: 50,
	}
	objFn := objective.New(ctx, nearestOperationalFromFleet(fleet), nil, func() int64 { return now.Unix() })

	e := New(PhaseBudgets{}, nil, clock)
	decision := e.Trigger(fleet, db, v, objFn, ctx, 12.0)

	if decision.Strategy != model.StrategyFullReallocation {
		t.Fatalf("expected full_reallocation, got %v (rationale=%s)", decision.Strategy, decision.Rationale)
	}
	if n := countAssigned(decision.Plan); n != 1 {
		t.Fatalf("expected exactly 1 task reallocated, got %d (plan=%+v)", n, decision.Plan)
	}
	if rate := decision.Metrics["recovery_rate"]; rate != 100 {
		t.Fatalf("expected 100%% coverage, got %.1f", rate)
	}

	task, err := db.GetTask(5)
	if err != nil {
		t.Fatalf("GetTask(5): %v", err)
	}
	if !task.HasAssignee || task.Status != model.TaskAssigned {
		t.Fatalf("expected zone 5 committed to a vehicle, got %+v", task)
	}
	cand := validator.Candidate{
		Task:            task,
		VehiclePosition: fleet.Positions[task.AssignedVehicle],
		VehicleBattery:  fleet.Battery[task.AssignedVehicle],
		VehicleSpareKg:  fleet.SparePayloadKg[task.AssignedVehicle],
		Now:             now.Unix(),
	}
	if ok, reason := v.CheckAll(cand); !ok {
		t.Fatalf("expected committed pair to pass validation, rejected: %s", reason)
	}
}

// TestScenarioS3DeliveryInfeasiblePayloadEscalates reproduces spec §8's
// S3: a 2.0kg package cannot fit on any surviving vehicle, so the
// optimizer must leave it unallocated and the engine must commit an
// empty plan rather than overload a vehicle.
func TestScenarioS3DeliveryInfeasiblePayloadEscalates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := missiondb.New()
	packageB := model.Task{
		ID:         2,
		Kind:       model.TaskDelivery,
		Position:   model.Position{X: 100, Y: 0},
		Priority:   70,
		PayloadKg:  2.0,
		HasPayload: true,
	}
	if err := db.AddTask(packageB); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := db.Assign(2, 1); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	lost := db.ReleaseVehicle(1)
	if len(lost) != 1 || lost[0] != 2 {
		t.Fatalf("expected package B released, got %v", lost)
	}

	fleet := model.FleetState{
		Timestamp:   now,
		Operational: []model.VehicleID{2, 3},
		Failed:      []model.VehicleID{1},
		Positions: map[model.VehicleID]model.Position{
			2: {X: 90, Y: 0}, 3: {X: 110, Y: 0},
		},
		Battery: map[model.VehicleID]float64{
			2: 90, 3: 90,
		},
		SparePayloadKg: map[model.VehicleID]float64{
			2: 0.3, 3: 0.7,
		},
		Permissions: map[model.VehicleID]model.VehiclePermissions{
			2: {}, 3: {},
		},
		LostTasks: []model.TaskID{2},
	}

	v := validator.New(validator.Config{
		EnergyEfficiency:      50.0,
		NominalCapacity:       100.0,
		SafetyReserveFraction: 0.1,
		AverageSpeedMPS:       12.0,
	})
	ctx := model.MissionContext{
		Kind:                model.TaskDelivery,
		Weights:             model.PriorityWeights{Temporal: 0.2, Criticality: 0.6, Spatial: 0.2},
		UnallocatedPenalty:  0.4,
		MaxVehicleRange:     2000,
		OptimizationBudget:  time.Second,
		LocalSearchEnabled:  true,
		LocalSearchMaxIters: 50,
	}
	objFn := objective.New(ctx, nearestOperationalFromFleet(fleet), nil, func() int64 { return now.Unix() })

	e := New(PhaseBudgets{}, nil, clock)
	decision := e.Trigger(fleet, db, v, objFn, ctx, 12.0)

	if decision.Strategy != model.StrategyOperatorEscalation {
		t.Fatalf("expected operator_escalation, got %v (rationale=%s)", decision.Strategy, decision.Rationale)
	}
	if rate := decision.Metrics["recovery_rate"]; rate != 0 {
		t.Fatalf("expected 0%% coverage, got %.1f", rate)
	}
	if len(decision.Plan) != 0 {
		t.Fatalf("expected an empty committed plan, got %+v", decision.Plan)
	}

	task, err := db.GetTask(2)
	if err != nil {
		t.Fatalf("GetTask(2): %v", err)
	}
	if task.HasAssignee {
		t.Fatalf("expected package B to remain unassigned after escalation, got vehicle %d", task.AssignedVehicle)
	}
	if task.Status != model.TaskPending {
		t.Fatalf("expected package B to remain pending, got %s", task.Status)
	}
}

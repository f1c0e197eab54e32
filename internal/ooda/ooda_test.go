package ooda

import (
	"errors"
	"testing"
	"time"

	"github.com/gcs-fleet/decision-engine/internal/model"
	"github.com/gcs-fleet/decision-engine/internal/objective"
	"github.com/gcs-fleet/decision-engine/internal/validator"
)

type fakeDB struct {
	tasks map[model.TaskID]model.Task
	zones map[model.TaskID]int64

	commitErr   error
	lastCommit  model.ReallocationPlan
	commitCalls int
}

func (f *fakeDB) AllTasks() []model.Task {
	out := make([]model.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeDB) GetTask(id model.TaskID) (model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, errors.New("fakeDB: unknown task")
	}
	return t, nil
}

func (f *fakeDB) CommitPlan(plan model.ReallocationPlan) error {
	f.commitCalls++
	if f.commitErr != nil {
		return f.commitErr
	}
	f.lastCommit = plan
	return nil
}

func (f *fakeDB) AffectedZones(taskIDs []model.TaskID) []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, id := range taskIDs {
		z, ok := f.zones[id]
		if !ok {
			continue
		}
		if _, dup := seen[z]; dup {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, z)
	}
	return out
}

func testValidator() *validator.Validator {
	return validator.New(validator.Config{
		EnergyEfficiency:       50.0,
		NominalCapacity:        100.0,
		SafetyReserveFraction:  0.0,
		AverageSpeedMPS:        12.0,
		CollisionSafetyBufferM: 5.0,
	})
}

func testObjective(now time.Time) *objective.Function {
	ctx := model.MissionContext{
		Kind: model.TaskSurveillance,
		Weights: model.PriorityWeights{
			Temporal: 0.4, Criticality: 0.4, Spatial: 0.2,
		},
		UnallocatedPenalty: 0.5,
		MaxVehicleRange:    1000,
	}
	nearest := func(model.Task) (float64, bool) { return 0, true }
	return objective.New(ctx, nearest, nil, func() int64 { return now.Unix() })
}

func testCtx() model.MissionContext {
	return model.MissionContext{
		Kind:                model.TaskSurveillance,
		Weights:             model.PriorityWeights{Temporal: 0.4, Criticality: 0.4, Spatial: 0.2},
		UnallocatedPenalty:  0.5,
		MaxVehicleRange:     1000,
		OptimizationBudget:  time.Second,
		LocalSearchEnabled:  false,
		LocalSearchMaxIters: 0,
	}
}

func TestTriggerFullReallocationOnHighCoverage(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := &fakeDB{tasks: map[model.TaskID]model.Task{
		1: {ID: 1, Position: model.Position{X: 10, Y: 0}, Priority: 50},
	}}

	fleet := model.FleetState{
		Operational:    []model.VehicleID{1},
		Positions:      map[model.VehicleID]model.Position{1: {X: 0, Y: 0}},
		Battery:        map[model.VehicleID]float64{1: 100},
		SparePayloadKg: map[model.VehicleID]float64{1: 10},
		Permissions:    map[model.VehicleID]model.VehiclePermissions{1: {}},
		LostTasks:      []model.TaskID{1},
	}

	e := New(PhaseBudgets{}, nil, clock)
	decision := e.Trigger(fleet, db, testValidator(), testObjective(now), testCtx(), 12.0)

	if decision.Strategy != model.StrategyFullReallocation {
		t.Fatalf("expected full_reallocation, got %v (rationale=%s)", decision.Strategy, decision.Rationale)
	}
	if db.commitCalls != 1 {
		t.Fatalf("expected exactly one CommitPlan call, got %d", db.commitCalls)
	}
	if ids, ok := decision.Plan[1]; !ok || len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected task 1 assigned to vehicle 1, got %+v", decision.Plan)
	}
}

func TestTriggerOperatorEscalationOnNoOperationalVehicles(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := &fakeDB{tasks: map[model.TaskID]model.Task{
		1: {ID: 1, Position: model.Position{X: 10, Y: 0}},
	}}
	fleet := model.FleetState{
		Failed:    []model.VehicleID{1},
		LostTasks: []model.TaskID{1},
	}

	e := New(PhaseBudgets{}, nil, clock)
	decision := e.Trigger(fleet, db, testValidator(), testObjective(now), testCtx(), 12.0)

	if decision.Strategy != model.StrategyOperatorEscalation {
		t.Fatalf("expected operator_escalation, got %v", decision.Strategy)
	}
	if len(decision.Plan) != 0 {
		t.Fatalf("expected empty plan, got %+v", decision.Plan)
	}
	if db.commitCalls != 0 {
		t.Fatalf("expected no commit when plan is empty, got %d calls", db.commitCalls)
	}
}

func TestTriggerEscalatesOnCommitError(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := &fakeDB{
		tasks:     map[model.TaskID]model.Task{1: {ID: 1, Position: model.Position{X: 10, Y: 0}, Priority: 50}},
		commitErr: errors.New("commit boom"),
	}
	fleet := model.FleetState{
		Operational:    []model.VehicleID{1},
		Positions:      map[model.VehicleID]model.Position{1: {X: 0, Y: 0}},
		Battery:        map[model.VehicleID]float64{1: 100},
		SparePayloadKg: map[model.VehicleID]float64{1: 10},
		Permissions:    map[model.VehicleID]model.VehiclePermissions{1: {}},
		LostTasks:      []model.TaskID{1},
	}

	e := New(PhaseBudgets{}, nil, clock)
	decision := e.Trigger(fleet, db, testValidator(), testObjective(now), testCtx(), 12.0)

	if decision.Strategy != model.StrategyOperatorEscalation {
		t.Fatalf("expected operator_escalation after commit failure, got %v", decision.Strategy)
	}
}

func TestTriggerSkipsUnknownLostTaskID(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := &fakeDB{tasks: map[model.TaskID]model.Task{}}
	fleet := model.FleetState{
		Operational:    []model.VehicleID{1},
		Positions:      map[model.VehicleID]model.Position{1: {X: 0, Y: 0}},
		Battery:        map[model.VehicleID]float64{1: 100},
		SparePayloadKg: map[model.VehicleID]float64{1: 10},
		Permissions:    map[model.VehicleID]model.VehiclePermissions{1: {}},
		LostTasks:      []model.TaskID{999},
	}

	e := New(PhaseBudgets{}, nil, clock)
	decision := e.Trigger(fleet, db, testValidator(), testObjective(now), testCtx(), 12.0)

	if decision.Strategy != model.StrategyOperatorEscalation {
		t.Fatalf("expected operator_escalation when all lost tasks are unknown, got %v", decision.Strategy)
	}
}

func TestTriggerDeterministicAcrossRepeatedCalls(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	newDB := func() *fakeDB {
		return &fakeDB{tasks: map[model.TaskID]model.Task{
			1: {ID: 1, Position: model.Position{X: 10, Y: 0}, Priority: 50},
			2: {ID: 2, Position: model.Position{X: 20, Y: 0}, Priority: 80},
		}}
	}
	fleet := model.FleetState{
		Operational: []model.VehicleID{1, 2},
		Positions: map[model.VehicleID]model.Position{
			1: {X: 0, Y: 0}, 2: {X: 15, Y: 0},
		},
		Battery:        map[model.VehicleID]float64{1: 100, 2: 100},
		SparePayloadKg: map[model.VehicleID]float64{1: 10, 2: 10},
		Permissions:    map[model.VehicleID]model.VehiclePermissions{1: {}, 2: {}},
		LostTasks:      []model.TaskID{1, 2},
	}

	e1 := New(PhaseBudgets{}, nil, clock)
	d1 := e1.Trigger(fleet, newDB(), testValidator(), testObjective(now), testCtx(), 12.0)

	e2 := New(PhaseBudgets{}, nil, clock)
	d2 := e2.Trigger(fleet, newDB(), testValidator(), testObjective(now), testCtx(), 12.0)

	if d1.Strategy != d2.Strategy {
		t.Fatalf("expected deterministic strategy, got %v vs %v", d1.Strategy, d2.Strategy)
	}
	if len(d1.Plan) != len(d2.Plan) {
		t.Fatalf("expected deterministic plan shape, got %+v vs %+v", d1.Plan, d2.Plan)
	}
	for v, ids := range d1.Plan {
		ids2, ok := d2.Plan[v]
		if !ok || len(ids) != len(ids2) {
			t.Fatalf("expected identical allocation per vehicle, got %+v vs %+v", d1.Plan, d2.Plan)
		}
	}
}

type panicObserver struct{}

func (panicObserver) OnPhaseTransition(phase string, d time.Duration, timedOut bool) { panic("boom") }
func (panicObserver) OnDecision(model.OODADecision)                                  { panic("boom") }

type recordingObserver struct {
	phases    []string
	decisions int
}

func (r *recordingObserver) OnPhaseTransition(phase string, d time.Duration, timedOut bool) {
	r.phases = append(r.phases, phase)
}
func (r *recordingObserver) OnDecision(model.OODADecision) {
	r.decisions++
}

func TestSubscribePanicDoesNotBreakOtherObservers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := &fakeDB{tasks: map[model.TaskID]model.Task{
		1: {ID: 1, Position: model.Position{X: 10, Y: 0}, Priority: 50},
	}}
	fleet := model.FleetState{
		Operational:    []model.VehicleID{1},
		Positions:      map[model.VehicleID]model.Position{1: {X: 0, Y: 0}},
		Battery:        map[model.VehicleID]float64{1: 100},
		SparePayloadKg: map[model.VehicleID]float64{1: 10},
		Permissions:    map[model.VehicleID]model.VehiclePermissions{1: {}},
		LostTasks:      []model.TaskID{1},
	}

	e := New(PhaseBudgets{}, nil, clock)
	e.Subscribe(panicObserver{})
	rec := &recordingObserver{}
	e.Subscribe(rec)

	e.Trigger(fleet, db, testValidator(), testObjective(now), testCtx(), 12.0)

	if len(rec.phases) != 4 {
		t.Fatalf("expected 4 phase notifications to reach the surviving observer, got %d (%v)", len(rec.phases), rec.phases)
	}
	if rec.decisions != 1 {
		t.Fatalf("expected 1 decision notification, got %d", rec.decisions)
	}
}

func TestPerformanceStatsAccumulatesAcrossCycles(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	fleet := model.FleetState{
		Operational:    []model.VehicleID{1},
		Positions:      map[model.VehicleID]model.Position{1: {X: 0, Y: 0}},
		Battery:        map[model.VehicleID]float64{1: 100},
		SparePayloadKg: map[model.VehicleID]float64{1: 10},
		Permissions:    map[model.VehicleID]model.VehiclePermissions{1: {}},
		LostTasks:      []model.TaskID{1},
	}

	e := New(PhaseBudgets{}, nil, clock)
	for i := 0; i < 3; i++ {
		db := &fakeDB{tasks: map[model.TaskID]model.Task{1: {ID: 1, Position: model.Position{X: 10, Y: 0}, Priority: 50}}}
		e.Trigger(fleet, db, testValidator(), testObjective(now), testCtx(), 12.0)
	}

	stats := e.PerformanceStats()
	if stats.CycleCount != 3 {
		t.Fatalf("expected 3 recorded cycles, got %d", stats.CycleCount)
	}
}

func TestClassifyStrategyThresholds(t *testing.T) {
	cases := []struct {
		coverage float64
		want     model.Strategy
	}{
		{100, model.StrategyFullReallocation},
		{75, model.StrategyFullReallocation},
		{74.9, model.StrategyPartialReallocation},
		{50, model.StrategyPartialReallocation},
		{49.9, model.StrategyOperatorEscalation},
		{0, model.StrategyOperatorEscalation},
	}
	for _, c := range cases {
		if got := classifyStrategy(c.coverage); got != c.want {
			t.Errorf("classifyStrategy(%.1f) = %v, want %v", c.coverage, got, c.want)
		}
	}
}

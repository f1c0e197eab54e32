package objective

import (
	"testing"
	"time"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

func fixedClock(t time.Time) func() int64 {
	return func() int64 { return t.Unix() }
}

func baseCtx(kind model.TaskKind) model.MissionContext {
	return model.MissionContext{
		Kind: kind,
		Weights: model.PriorityWeights{
			Temporal:    0.4,
			Criticality: 0.4,
			Spatial:     0.2,
		},
		UnallocatedPenalty: 0.5,
		MaxVehicleRange:    1000,
	}
}

func TestPriorityNoDeadlineDefaultUrgency(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	f := New(baseCtx(model.TaskSurveillance), nearest, nil, fixedClock(now))

	task := model.Task{Priority: 50}
	p := f.Priority(task)
	// urgency=0.5, criticality=0.5, spatial=1 (no operational vehicle)
	// p = 0.4*0.5 + 0.4*0.5 - 0.2*1 = 0.2+0.2-0.2 = 0.2
	want := 0.2
	if diff := p - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected priority %f, got %f", want, p)
	}
}

func TestPriorityClampedToUnitInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, true }
	ctx := baseCtx(model.TaskSurveillance)
	ctx.Weights = model.PriorityWeights{Temporal: 0, Criticality: 0, Spatial: 1}
	f := New(ctx, nearest, nil, fixedClock(now))

	p := f.Priority(model.Task{Priority: 0})
	if p < 0 || p > 1 {
		t.Fatalf("expected clamped priority in [0,1], got %f", p)
	}
}

func TestUrgencyIncreasesAsDeadlineApproaches(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	f := New(baseCtx(model.TaskSurveillance), nearest, nil, fixedClock(now))

	soon := model.Task{HasDeadline: true, Deadline: now.Add(10 * time.Second), DurationSec: 60, Priority: 50}
	far := model.Task{HasDeadline: true, Deadline: now.Add(10 * time.Hour), DurationSec: 60, Priority: 50}

	if f.urgency(soon) <= f.urgency(far) {
		t.Fatalf("expected urgency(soon)=%f > urgency(far)=%f", f.urgency(soon), f.urgency(far))
	}
}

func TestSurveillanceModifierPenalizesCoverageGap(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	gap := func(zoneID int64) (float64, bool) { return 0.5, true }
	ctx := baseCtx(model.TaskSurveillance)
	ctx.CoverageGapWeight = 0.4
	f := New(ctx, nearest, gap, fixedClock(now))

	task := model.Task{HasZone: true, ZoneID: 1}
	mod := f.MissionModifier(task, 0, 0)
	want := 1 - 0.4*0.5
	if mod != want {
		t.Fatalf("expected modifier %f, got %f", want, mod)
	}
}

func TestSurveillanceModifierDefaultsToOneWithoutGap(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	f := New(baseCtx(model.TaskSurveillance), nearest, nil, fixedClock(now))

	mod := f.MissionModifier(model.Task{}, 0, 0)
	if mod != 1.0 {
		t.Fatalf("expected modifier 1.0 without tracked gap, got %f", mod)
	}
}

func TestSearchRescueModifierGoldenHourBonus(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	ctx := baseCtx(model.TaskSearchRescue)
	ctx.GoldenHourWindow = time.Hour
	ctx.GoldenHourBonusWeight = 0.2
	f := New(ctx, nearest, nil, fixedClock(now))

	mod := f.MissionModifier(model.Task{}, 600, 600) // completion = 1200s of 3600s window
	slack := (3600.0 - 1200.0) / 3600.0
	want := 1 + 0.2*slack
	if diff := mod - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected modifier %f, got %f", want, mod)
	}
}

func TestSearchRescueModifierNoWindowConfigured(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	f := New(baseCtx(model.TaskSearchRescue), nearest, nil, fixedClock(now))

	mod := f.MissionModifier(model.Task{}, 100, 100)
	if mod != 1.0 {
		t.Fatalf("expected modifier 1.0 with no golden-hour window, got %f", mod)
	}
}

func TestDeliveryModifierDeadlineHitAndMiss(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	f := New(baseCtx(model.TaskDelivery), nearest, nil, fixedClock(now))

	onTime := model.Task{HasDeadline: true, Deadline: now.Add(time.Hour)}
	late := model.Task{HasDeadline: true, Deadline: now.Add(time.Minute)}

	if got := f.MissionModifier(onTime, 60, 60); got != 1.0 {
		t.Errorf("expected on-time delivery modifier 1.0, got %f", got)
	}
	if got := f.MissionModifier(late, 600, 600); got != 0.5 {
		t.Errorf("expected late delivery modifier 0.5, got %f", got)
	}
}

func TestDeliveryModifierNoDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	f := New(baseCtx(model.TaskDelivery), nearest, nil, fixedClock(now))

	if got := f.MissionModifier(model.Task{}, 10, 10); got != 1.0 {
		t.Fatalf("expected modifier 1.0 for no-deadline delivery, got %f", got)
	}
}

func TestAggregatePenalizesUnallocated(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nearest := func(model.Task) (float64, bool) { return 0, false }
	ctx := baseCtx(model.TaskSurveillance)
	ctx.UnallocatedPenalty = 1.0
	f := New(ctx, nearest, nil, fixedClock(now))

	assigned := []AssignmentScore{{TaskID: 1, Score: 0.8}}
	assignedSet := map[model.TaskID]struct{}{1: {}}
	lost := []model.TaskID{1, 2, 3}

	j := f.Aggregate(assigned, lost, assignedSet)
	want := 0.8 - 1.0*2
	if j != want {
		t.Fatalf("expected J=%f, got %f", want, j)
	}
}

func TestBetterHigherScoreWins(t *testing.T) {
	if !Better(1.0, 0, nil, 0.5, 0, nil) {
		t.Fatal("expected strictly higher score to win")
	}
	if Better(0.5, 0, nil, 1.0, 0, nil) {
		t.Fatal("expected lower score to lose")
	}
}

func TestBetterTieBreaksOnUnallocatedThenLex(t *testing.T) {
	// equal J, fewer unallocated wins
	if !Better(1.0, 1, []model.TaskID{5}, 1.0, 2, []model.TaskID{5}) {
		t.Fatal("expected fewer unallocated to win under J tie")
	}
	// equal J, equal unallocated, lexicographically smaller task-id sequence wins
	if !Better(1.0, 0, []model.TaskID{1, 2}, 1.0, 0, []model.TaskID{1, 3}) {
		t.Fatal("expected lexicographically smaller sequence to win")
	}
	if Better(1.0, 0, []model.TaskID{1, 3}, 1.0, 0, []model.TaskID{1, 2}) {
		t.Fatal("expected lexicographically larger sequence to lose")
	}
}

func TestBetterWithinTolerance(t *testing.T) {
	// differences smaller than Tolerance should be treated as a tie, not a win
	if Better(1.0+1e-10, 0, []model.TaskID{9}, 1.0, 0, []model.TaskID{1}) {
		t.Fatal("expected sub-tolerance difference to fall through to tie-break, not outright win")
	}
}

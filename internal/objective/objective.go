// Package objective — objective.go
//
// Objective Function (spec §4.3, component C3): per-task priority P(t),
// mission-dependent modifier φ_m(t, u), and the aggregate J(A) used by
// the Allocation Optimizer's search. Like internal/validator, this
// package is a pure computation layer — no package state, safe for
// concurrent use.
package objective

import (
	"math"
	"sort"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

// Tolerance is the floating-point equality tolerance used by the J(A)
// tie-break rule (spec §4.3).
const Tolerance = 1e-9

// CoverageGap reports the time-normalized staleness of a zone, in
// [0, 1]. Supplied externally (e.g. by the Fleet Monitor or mission
// scenario loader); if a zone has no tracked gap, callers pass 0.
type CoverageGap func(zoneID int64) (float64, bool)

// NearestOperationalDistance returns the Euclidean xy-distance from t's
// position to the nearest operational vehicle, and whether any
// operational vehicle exists at all.
type NearestOperationalDistance func(t model.Task) (dist float64, hasAny bool)

// Function computes P(t) and φ_m(t, u) for one MissionContext. Built
// once per mission and reused for every candidate evaluation within that
// mission's lifetime (spec L3: identical MissionContext ⇒ identical
// function behavior on identical inputs).
type Function struct {
	ctx         model.MissionContext
	nearestDist NearestOperationalDistance
	coverageGap CoverageGap
	nowUnix     func() int64
}

// New builds a Function bound to ctx. nearestDist is required; coverageGap
// may be nil (treated as "no gap tracked" for every zone, per spec §4.3);
// nowUnix defaults to a caller-supplied clock so golden-hour slack is
// computed against a deterministic reference time in tests.
func New(ctx model.MissionContext, nearestDist NearestOperationalDistance, coverageGap CoverageGap, nowUnix func() int64) *Function {
	if coverageGap == nil {
		coverageGap = func(int64) (float64, bool) { return 0, false }
	}
	return &Function{ctx: ctx, nearestDist: nearestDist, coverageGap: coverageGap, nowUnix: nowUnix}
}

// Priority computes P(t, fleet) in [0, 1] (spec §4.3).
func (f *Function) Priority(t model.Task) float64 {
	urgency := f.urgency(t)
	criticality := t.Priority / 100.0
	spatial := f.spatialCost(t)

	w := f.ctx.Weights
	p := w.Temporal*urgency + w.Criticality*criticality - w.Spatial*spatial
	return clamp01(p)
}

func (f *Function) urgency(t model.Task) float64 {
	if !t.HasDeadline {
		return 0.5
	}
	tTotal := math.Max(2*t.DurationSec, 1)
	tRemaining := float64(t.Deadline.Unix() - f.nowUnix())
	return 1 - math.Min(1, tRemaining/tTotal)
}

func (f *Function) spatialCost(t model.Task) float64 {
	dist, hasAny := f.nearestDist(t)
	if !hasAny {
		return 1
	}
	maxRange := f.ctx.MaxVehicleRange
	if maxRange <= 0 {
		return 1
	}
	return math.Min(1, dist/maxRange)
}

// MissionModifier computes φ_m(t, u, fleet) (spec §4.3). travelSec and
// executionSec are the estimated travel time (distance/average_speed)
// and task duration for vehicle u executing t; callers compute these
// from the Validator's speed configuration so the formula stays
// consistent across components.
func (f *Function) MissionModifier(t model.Task, travelSec, executionSec float64) float64 {
	switch f.ctx.Kind {
	case model.TaskSurveillance:
		gap := 0.0
		if t.HasZone {
			if g, ok := f.coverageGap(t.ZoneID); ok {
				gap = g
			}
		}
		return 1 - f.ctx.CoverageGapWeight*gap

	case model.TaskSearchRescue:
		if f.ctx.GoldenHourWindow <= 0 {
			return 1
		}
		window := f.ctx.GoldenHourWindow.Seconds()
		completion := travelSec + executionSec
		slack := math.Max(0, (window-completion)/window)
		return 1 + f.ctx.GoldenHourBonusWeight*slack

	case model.TaskDelivery:
		if !t.HasDeadline {
			return 1.0
		}
		completion := travelSec + executionSec
		remaining := float64(t.Deadline.Unix() - f.nowUnix())
		if completion <= remaining {
			return 1.0
		}
		return 0.5

	default:
		return 1.0
	}
}

// WeightedScore is one (vehicle, task) assignment's contribution to J(A):
// P(t) * φ_m(t, u).
func (f *Function) WeightedScore(t model.Task, travelSec, executionSec float64) float64 {
	return f.Priority(t) * f.MissionModifier(t, travelSec, executionSec)
}

// AssignmentScore pairs a weighted score with the task id it belongs to,
// used to build deterministic allocation comparisons.
type AssignmentScore struct {
	TaskID model.TaskID
	Score  float64
}

// Aggregate computes J(A) = Σ P(t)·φ_m(t,u) − λ·|L \ assigned(A)| (spec
// §4.3). assigned is every (vehicle,task) pair's precomputed weighted
// score; lostTaskIDs is the full lost-task set L; assignedTaskIDs is the
// set of task ids present in A (assigned(A)).
func (f *Function) Aggregate(assigned []AssignmentScore, lostTaskIDs []model.TaskID, assignedTaskIDs map[model.TaskID]struct{}) float64 {
	sum := 0.0
	for _, a := range assigned {
		sum += a.Score
	}
	unallocated := 0
	for _, id := range lostTaskIDs {
		if _, ok := assignedTaskIDs[id]; !ok {
			unallocated++
		}
	}
	return sum - f.ctx.UnallocatedPenalty*float64(unallocated)
}

// Better reports whether candidate score/unallocated/taskOrder beats the
// current best, applying the full spec §4.3 tie-break chain: higher J
// wins outright; within Tolerance, fewer unallocated tasks wins; still
// tied, the lexicographically smaller sorted task-id sequence wins.
func Better(candidateJ float64, candidateUnallocated int, candidateTaskIDs []model.TaskID, bestJ float64, bestUnallocated int, bestTaskIDs []model.TaskID) bool {
	if candidateJ > bestJ+Tolerance {
		return true
	}
	if candidateJ < bestJ-Tolerance {
		return false
	}
	// within tolerance: fewer unallocated wins
	if candidateUnallocated != bestUnallocated {
		return candidateUnallocated < bestUnallocated
	}
	return lexLess(candidateTaskIDs, bestTaskIDs)
}

// lexLess compares two task-id sequences lexicographically after
// sorting each ascending, per spec §4.3's tie-break definition.
func lexLess(a, b []model.TaskID) bool {
	sa := sortedCopy(a)
	sb := sortedCopy(b)
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if sa[i] != sb[i] {
			return sa[i] < sb[i]
		}
	}
	return len(sa) < len(sb)
}

func sortedCopy(ids []model.TaskID) []model.TaskID {
	out := append([]model.TaskID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

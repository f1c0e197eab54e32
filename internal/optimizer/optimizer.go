// Package optimizer — optimizer.go
//
// Allocation Optimizer (spec §4.4, component C4): a two-stage search —
// priority-greedy seed, then a time-budgeted first-improvement
// local-search refinement — producing an AllocationResult that
// maximizes J(A) subject to the Constraint Validator.
package optimizer

import (
	"sort"
	"time"

	"github.com/gcs-fleet/decision-engine/internal/model"
	"github.com/gcs-fleet/decision-engine/internal/objective"
	"github.com/gcs-fleet/decision-engine/internal/validator"
)

// VehicleInput is everything the optimizer needs about one operational
// vehicle, independent of which lost tasks end up on it.
type VehicleInput struct {
	ID                    model.VehicleID
	Position              model.Position
	Battery               float64
	SparePayloadKg        float64
	MayExitGrid           bool
	ExistingTaskPositions []model.Position // chain already committed before this cycle
}

// AllocationResult is the optimizer's output (spec §4.4).
type AllocationResult struct {
	Allocation            model.ReallocationPlan
	Score                 float64
	CoveragePercent       float64
	UnallocatedTaskIDs    []model.TaskID
	WallClockTime         time.Duration
	Iterations            int
	OptimalityGapEstimate float64
}

// Optimize runs Stage 1 (greedy seed) and, budget permitting, Stage 2
// (local search) over lostTasks and vehicles, scoring candidates with v
// and objFn. avgSpeedMPS is the same configuration constant the
// Validator's deadline predicate uses, needed here to estimate travel
// time for the mission modifier.
func Optimize(
	lostTasks []model.Task,
	vehicles []VehicleInput,
	v *validator.Validator,
	objFn *objective.Function,
	ctx model.MissionContext,
	avgSpeedMPS float64,
	nowFn func() time.Time,
	nowUnix func() int64,
) AllocationResult {
	start := nowFn()

	if len(lostTasks) == 0 {
		return AllocationResult{
			Allocation:      model.ReallocationPlan{},
			CoveragePercent: 100,
			WallClockTime:   nowFn().Sub(start),
		}
	}
	if len(vehicles) == 0 {
		unallocated := make([]model.TaskID, 0, len(lostTasks))
		for _, t := range lostTasks {
			unallocated = append(unallocated, t.ID)
		}
		sort.Slice(unallocated, func(i, j int) bool { return unallocated[i] < unallocated[j] })
		return AllocationResult{
			Allocation:         model.ReallocationPlan{},
			CoveragePercent:    0,
			UnallocatedTaskIDs: unallocated,
			WallClockTime:      nowFn().Sub(start),
		}
	}

	budget := NewWallClockBudget(ctx.OptimizationBudget, nowFn)

	lostByID := make(map[model.TaskID]model.Task, len(lostTasks))
	lostTaskIDs := make([]model.TaskID, 0, len(lostTasks))
	for _, t := range lostTasks {
		lostByID[t.ID] = t
		lostTaskIDs = append(lostTaskIDs, t.ID)
	}
	sort.Slice(lostTaskIDs, func(i, j int) bool { return lostTaskIDs[i] < lostTaskIDs[j] })

	vehiclesByID := make(map[model.VehicleID]VehicleInput, len(vehicles))
	vehicleIDs := make([]model.VehicleID, 0, len(vehicles))
	for _, vh := range vehicles {
		vehiclesByID[vh.ID] = vh
		vehicleIDs = append(vehicleIDs, vh.ID)
	}
	sort.Slice(vehicleIDs, func(i, j int) bool { return vehicleIDs[i] < vehicleIDs[j] })

	now := nowUnix()

	allocation := greedySeed(lostTasks, lostByID, vehiclesByID, vehicleIDs, v, objFn, now)

	initialJ, initialAssigned := scoreAllocation(allocation, lostByID, vehiclesByID, objFn, avgSpeedMPS, lostTaskIDs)
	initialUnallocated := len(lostTaskIDs) - len(initialAssigned)

	bestAlloc := allocation
	bestJ := initialJ
	bestUnallocated := initialUnallocated

	iterations := 0
	if ctx.LocalSearchEnabled && budget.LocalSearchEligible() {
		bestAlloc, bestJ, bestUnallocated, iterations = localSearch(
			bestAlloc, bestJ, bestUnallocated,
			lostByID, lostTaskIDs, vehiclesByID, vehicleIDs,
			v, objFn, avgSpeedMPS, now, ctx.LocalSearchMaxIters, budget,
		)
	}

	finalUnallocatedIDs := unallocatedTaskIDs(bestAlloc, lostTaskIDs)

	coverage := 100 * float64(len(lostTaskIDs)-bestUnallocated) / float64(len(lostTaskIDs))

	improvementPct := 0.0
	if initialJ != 0 {
		improvementPct = (bestJ - initialJ) / absFloat(initialJ) * 100
	}
	gap := clamp(0, 30, (0.15/0.85)*improvementPct)

	return AllocationResult{
		Allocation:            bestAlloc,
		Score:                 bestJ,
		CoveragePercent:       coverage,
		UnallocatedTaskIDs:    finalUnallocatedIDs,
		WallClockTime:         nowFn().Sub(start),
		Iterations:            iterations,
		OptimalityGapEstimate: gap,
	}
}

func greedySeed(
	lostTasks []model.Task,
	lostByID map[model.TaskID]model.Task,
	vehiclesByID map[model.VehicleID]VehicleInput,
	vehicleIDs []model.VehicleID,
	v *validator.Validator,
	objFn *objective.Function,
	now int64,
) model.ReallocationPlan {
	ordered := append([]model.Task(nil), lostTasks...)
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := objFn.Priority(ordered[i]), objFn.Priority(ordered[j])
		if pi != pj {
			return pi > pj
		}
		return ordered[i].ID < ordered[j].ID
	})

	allocation := model.ReallocationPlan{}

	for _, task := range ordered {
		bestVehicle, found := pickNearestFeasible(task, lostByID, vehiclesByID, vehicleIDs, allocation, v, now)
		if !found {
			continue
		}
		allocation[bestVehicle] = append(allocation[bestVehicle], task.ID)
	}
	return allocation
}

// pickNearestFeasible finds the feasible vehicle closest to task among
// vehicleIDs (in ascending order for deterministic ties), given the
// assignments already present in allocation.
func pickNearestFeasible(
	task model.Task,
	lostByID map[model.TaskID]model.Task,
	vehiclesByID map[model.VehicleID]VehicleInput,
	vehicleIDs []model.VehicleID,
	allocation model.ReallocationPlan,
	v *validator.Validator,
	now int64,
) (model.VehicleID, bool) {
	bestDist := -1.0
	var best model.VehicleID
	found := false

	for _, vID := range vehicleIDs {
		vh := vehiclesByID[vID]
		cand := buildCandidate(vh, task, allocation, lostByID, now)
		if ok, _ := v.CheckAll(cand); !ok {
			continue
		}
		d := model.Distance(vh.Position, task.Position)
		if !found || d < bestDist {
			bestDist = d
			best = vID
			found = true
		}
	}
	return best, found
}

// buildCandidate computes the validator.Candidate for assigning task to
// vh, given every other task already present in allocation[vh.ID]. Those
// already-assigned tasks extend vh's committed energy chain and consume
// its spare payload, the same as its pre-existing (non-lost) task list.
func buildCandidate(vh VehicleInput, task model.Task, allocation model.ReallocationPlan, lostByID map[model.TaskID]model.Task, now int64) validator.Candidate {
	chain := append([]model.Position(nil), vh.ExistingTaskPositions...)
	spare := vh.SparePayloadKg

	for _, id := range allocation[vh.ID] {
		other, ok := lostByID[id]
		if !ok {
			continue
		}
		chain = append(chain, other.Position)
		if other.HasPayload {
			spare -= other.PayloadKg
		}
	}

	return validator.Candidate{
		Task:                  task,
		VehiclePosition:       vh.Position,
		VehicleBattery:        vh.Battery,
		VehicleSpareKg:        spare,
		VehicleMayExitGrid:    vh.MayExitGrid,
		ExistingTaskPositions: chain,
		Now:                   now,
	}
}

func scoreAllocation(
	allocation model.ReallocationPlan,
	lostByID map[model.TaskID]model.Task,
	vehiclesByID map[model.VehicleID]VehicleInput,
	objFn *objective.Function,
	avgSpeedMPS float64,
	lostTaskIDs []model.TaskID,
) (float64, map[model.TaskID]struct{}) {
	var scores []objective.AssignmentScore
	assigned := make(map[model.TaskID]struct{})

	for vID, ids := range allocation {
		vh := vehiclesByID[vID]
		for _, id := range ids {
			task := lostByID[id]
			travel := 0.0
			if avgSpeedMPS > 0 {
				travel = model.Distance(vh.Position, task.Position) / avgSpeedMPS
			}
			score := objFn.WeightedScore(task, travel, task.DurationSec)
			scores = append(scores, objective.AssignmentScore{TaskID: id, Score: score})
			assigned[id] = struct{}{}
		}
	}
	j := objFn.Aggregate(scores, lostTaskIDs, assigned)
	return j, assigned
}

func localSearch(
	allocation model.ReallocationPlan,
	currentJ float64,
	currentUnallocated int,
	lostByID map[model.TaskID]model.Task,
	lostTaskIDs []model.TaskID,
	vehiclesByID map[model.VehicleID]VehicleInput,
	vehicleIDs []model.VehicleID,
	v *validator.Validator,
	objFn *objective.Function,
	avgSpeedMPS float64,
	now int64,
	maxIters int,
	budget *WallClockBudget,
) (model.ReallocationPlan, float64, int, int) {
	iterations := 0

	for {
		if maxIters > 0 && iterations >= maxIters {
			break
		}
		if budget.LocalSearchDeadlineExceeded() {
			break
		}

		improved := false

		fromVehicles := assignedVehicleIDs(allocation)
		for _, uFrom := range fromVehicles {
			tasks := append([]model.TaskID(nil), allocation[uFrom]...)
			sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })

			for _, taskID := range tasks {
				for _, uTo := range vehicleIDs {
					if uTo == uFrom {
						continue
					}
					if maxIters > 0 && iterations >= maxIters {
						break
					}
					if budget.LocalSearchDeadlineExceeded() {
						break
					}

					task := lostByID[taskID]
					candValidator := buildCandidate(vehiclesByID[uTo], task, allocation, lostByID, now)
					iterations++
					ok, _ := v.CheckAll(candValidator)
					if !ok {
						continue
					}

					candidate := moveTask(allocation, uFrom, uTo, taskID)
					candJ, candAssigned := scoreAllocation(candidate, lostByID, vehiclesByID, objFn, avgSpeedMPS, lostTaskIDs)
					candUnallocated := len(lostTaskIDs) - len(candAssigned)

					if objective.Better(candJ, candUnallocated, flattenTaskIDs(candidate), currentJ, currentUnallocated, flattenTaskIDs(allocation)) {
						allocation = candidate
						currentJ = candJ
						currentUnallocated = candUnallocated
						improved = true
						break
					}
				}
				if improved {
					break
				}
			}
			if improved {
				break
			}
		}

		if !improved {
			break
		}
	}

	return allocation, currentJ, currentUnallocated, iterations
}

// moveTask returns a new ReallocationPlan with taskID moved from uFrom to
// uTo, dropping any vehicle entry left empty.
func moveTask(allocation model.ReallocationPlan, uFrom, uTo model.VehicleID, taskID model.TaskID) model.ReallocationPlan {
	out := model.ReallocationPlan{}
	for v, ids := range allocation {
		out[v] = append([]model.TaskID(nil), ids...)
	}

	out[uFrom] = removeID(out[uFrom], taskID)
	if len(out[uFrom]) == 0 {
		delete(out, uFrom)
	}
	out[uTo] = append(out[uTo], taskID)
	return out
}

func removeID(ids []model.TaskID, target model.TaskID) []model.TaskID {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func assignedVehicleIDs(allocation model.ReallocationPlan) []model.VehicleID {
	out := make([]model.VehicleID, 0, len(allocation))
	for v := range allocation {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func flattenTaskIDs(allocation model.ReallocationPlan) []model.TaskID {
	var out []model.TaskID
	for _, ids := range allocation {
		out = append(out, ids...)
	}
	return out
}

func unallocatedTaskIDs(allocation model.ReallocationPlan, lostTaskIDs []model.TaskID) []model.TaskID {
	assigned := make(map[model.TaskID]struct{})
	for _, ids := range allocation {
		for _, id := range ids {
			assigned[id] = struct{}{}
		}
	}
	var out []model.TaskID
	for _, id := range lostTaskIDs {
		if _, ok := assigned[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func clamp(lo, hi, x float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

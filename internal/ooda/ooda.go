// Package ooda implements the OODA Decision Engine (spec §4.6, component
// C6): on each failure event, orchestrate one Observe -> Orient -> Decide
// -> Act cycle and produce an OODADecision.
//
// Cycle-level failure handling: any panic or error escaping a phase is
// converted into an operator_escalation decision with the error text in
// the rationale, never propagated to the caller. This matches the design
// principle that an intelligent escalation is a valid outcome, never a
// crash.
package ooda

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gcs-fleet/decision-engine/internal/model"
	"github.com/gcs-fleet/decision-engine/internal/objective"
	"github.com/gcs-fleet/decision-engine/internal/optimizer"
	"github.com/gcs-fleet/decision-engine/internal/validator"
)

// coverage classification thresholds (spec §4.6 Decide).
const (
	fullReallocationCoverage    = 75.0
	partialReallocationCoverage = 50.0
)

// battery safety-debit model used only to estimate recoverable_tasks in
// Orient, never to gate an assignment (spec §4.6: "the real gate is in
// §4.2").
const orientBatteryDebitPct = 5.0

// PhaseBudgets holds the non-enforced, log-only per-phase timeout
// budgets (spec §4.6: Decide's budget is enforced by the optimizer
// itself; the rest are advisory).
type PhaseBudgets struct {
	Observe time.Duration
	Orient  time.Duration
	Decide  time.Duration
	Act     time.Duration
}

// MissionDB is the subset of *missiondb.DB the engine needs. Declared
// locally so this package depends on behavior, not on missiondb's
// concrete type.
type MissionDB interface {
	AllTasks() []model.Task
	GetTask(id model.TaskID) (model.Task, error)
	CommitPlan(plan model.ReallocationPlan) error
	AffectedZones(taskIDs []model.TaskID) []int64
}

// Observer lets loggers, metrics exporters, and audit ledgers attach to
// the engine without it knowing about any of them (spec §9, "dashboard
// bridge is not part of the core").
type Observer interface {
	OnPhaseTransition(phase string, duration time.Duration, timedOut bool)
	OnDecision(decision model.OODADecision)
}

type phaseStats struct {
	count        int
	sum, sumSq   float64
	min, max     float64
}

func (s *phaseStats) observe(ms float64) {
	if s.count == 0 {
		s.min, s.max = ms, ms
	} else {
		if ms < s.min {
			s.min = ms
		}
		if ms > s.max {
			s.max = ms
		}
	}
	s.count++
	s.sum += ms
	s.sumSq += ms * ms
}

func (s *phaseStats) meanMaxMinStddev() (mean, max, min, stddev float64) {
	if s.count == 0 {
		return 0, 0, 0, 0
	}
	mean = s.sum / float64(s.count)
	variance := s.sumSq/float64(s.count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, s.max, s.min, math.Sqrt(variance)
}

// PerformanceStats is the output of Engine.PerformanceStats (spec §4.6).
type PerformanceStats struct {
	CycleCount int

	ObservePhaseMeanMS, ObservePhaseMaxMS, ObservePhaseMinMS, ObservePhaseStddevMS float64
	OrientPhaseMeanMS, OrientPhaseMaxMS, OrientPhaseMinMS, OrientPhaseStddevMS     float64
	DecidePhaseMeanMS, DecidePhaseMaxMS, DecidePhaseMinMS, DecidePhaseStddevMS     float64
	ActPhaseMeanMS, ActPhaseMaxMS, ActPhaseMinMS, ActPhaseStddevMS                float64
	TotalMeanMS, TotalMaxMS, TotalMinMS, TotalStddevMS                            float64

	RecoveryRateMean, RecoveryRateMax, RecoveryRateMin, RecoveryRateStddev float64
	ObjectiveScoreMean, ObjectiveScoreMax, ObjectiveScoreMin, ObjectiveScoreStddev float64
}

// Engine is the OODA Decision Engine. The zero value is not usable; use
// New. Cycle execution is serialized by a single mutex (spec §4.6 Entry
// point): a second trigger arriving mid-cycle blocks until the first
// completes.
type Engine struct {
	cycleMu sync.Mutex

	logger *zap.Logger

	budgets PhaseBudgets

	obsMu       sync.Mutex
	observers   []Observer

	statsMu      sync.Mutex
	cycleCount   int
	observeStats phaseStats
	orientStats  phaseStats
	decideStats  phaseStats
	actStats     phaseStats
	totalStats   phaseStats
	recoveryRate phaseStats
	objScore     phaseStats

	nowFn func() time.Time
}

// New returns an idle Engine.
func New(budgets PhaseBudgets, logger *zap.Logger, nowFn func() time.Time) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{budgets: budgets, logger: logger, nowFn: nowFn}
}

// Subscribe attaches an Observer. It is guarded by the observer mutex, so
// it may be called while a cycle runs; each notification goes to the
// observers attached at the moment it is sent.
func (e *Engine) Subscribe(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) notifyPhase(phase string, dur time.Duration, timedOut bool) {
	e.obsMu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.obsMu.Unlock()
	for _, o := range obs {
		e.safeNotifyPhase(o, phase, dur, timedOut)
	}
}

func (e *Engine) safeNotifyPhase(o Observer, phase string, dur time.Duration, timedOut bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("observer panicked on phase transition", zap.Any("panic", r))
		}
	}()
	o.OnPhaseTransition(phase, dur, timedOut)
}

func (e *Engine) notifyDecision(d model.OODADecision) {
	e.obsMu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.obsMu.Unlock()
	for _, o := range obs {
		e.safeNotifyDecision(o, d)
	}
}

func (e *Engine) safeNotifyDecision(o Observer, d model.OODADecision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("observer panicked on decision", zap.Any("panic", r))
		}
	}()
	o.OnDecision(d)
}

// Trigger runs one full Observe->Orient->Decide->Act cycle for the given
// FleetState (spec §4.6 entry point). db is the Mission Database; v is
// the Constraint Validator; objFn/ctx/avgSpeedMPS parameterize the
// Decide phase's optimizer run.
func (e *Engine) Trigger(
	fleet model.FleetState,
	db MissionDB,
	v *validator.Validator,
	objFn *objective.Function,
	ctx model.MissionContext,
	avgSpeedMPS float64,
) (decision model.OODADecision) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cycleStart := e.nowFn()

	defer func() {
		if r := recover(); r != nil {
			decision = e.escalateOnError(cycleStart, fmt.Errorf("ooda: cycle panicked: %v", r))
		}
		e.recordCycle(decision, e.nowFn().Sub(cycleStart))
	}()

	observeStart := e.nowFn()
	lostIDs := append([]model.TaskID(nil), fleet.LostTasks...)
	sort.Slice(lostIDs, func(i, j int) bool { return lostIDs[i] < lostIDs[j] })
	e.logger.Info("observe",
		zap.Int("operational", len(fleet.Operational)),
		zap.Int("failed", len(fleet.Failed)),
		zap.Any("lost_tasks", lostIDs),
	)
	observeDur := e.nowFn().Sub(observeStart)
	e.finishPhase("observe", observeDur, e.budgets.Observe, &e.observeStats)

	orientStart := e.nowFn()
	allTasks := db.AllTasks()
	impact := e.orient(allTasks, lostIDs, fleet, db)
	orientDur := e.nowFn().Sub(orientStart)
	e.finishPhase("orient", orientDur, e.budgets.Orient, &e.orientStats)

	decideStart := e.nowFn()
	plan, strategy, score, coverage, iterations, gap, decideErr := e.decide(lostIDs, fleet, db, v, objFn, ctx, avgSpeedMPS)
	decideDur := e.nowFn().Sub(decideStart)
	e.finishPhase("decide", decideDur, e.budgets.Decide, &e.decideStats)

	if decideErr != nil {
		return e.escalateOnError(cycleStart, decideErr)
	}

	actStart := e.nowFn()
	if len(plan) > 0 {
		if err := db.CommitPlan(plan); err != nil {
			actDur := e.nowFn().Sub(actStart)
			e.finishPhase("act", actDur, e.budgets.Act, &e.actStats)
			return e.escalateOnError(cycleStart, fmt.Errorf("ooda: commit_plan failed: %w", err))
		}
	}
	actDur := e.nowFn().Sub(actStart)
	e.finishPhase("act", actDur, e.budgets.Act, &e.actStats)

	recovered := countAssigned(plan)
	metrics := buildMetrics(impact, coverage, score, len(lostIDs), recovered, iterations, gap, decideDur)

	decision = model.OODADecision{
		Strategy:  strategy,
		Plan:      plan,
		Rationale: buildRationale(strategy, len(lostIDs), recovered, coverage, score, iterations, decideDur),
		Metrics:   metrics,
		TotalDurationMS: msSince(cycleStart, e.nowFn()),
		PhaseDurations: model.PhaseDurations{
			ObserveMS: observeDur.Seconds() * 1000,
			OrientMS:  orientDur.Seconds() * 1000,
			DecideMS:  decideDur.Seconds() * 1000,
			ActMS:     actDur.Seconds() * 1000,
		},
	}
	e.notifyDecision(decision)
	return decision
}

func (e *Engine) finishPhase(name string, dur, budget time.Duration, stats *phaseStats) {
	timedOut := budget > 0 && dur > budget
	if timedOut {
		e.logger.Warn("phase exceeded budget", zap.String("phase", name), zap.Duration("duration", dur), zap.Duration("budget", budget))
	}
	e.statsMu.Lock()
	stats.observe(dur.Seconds() * 1000)
	e.statsMu.Unlock()
	e.notifyPhase(name, dur, timedOut)
}

// orient produces the MissionImpact (spec §4.6 Orient).
func (e *Engine) orient(allTasks []model.Task, lostIDs []model.TaskID, fleet model.FleetState, db MissionDB) model.MissionImpact {
	coverageLoss := 0.0
	if len(allTasks) > 0 {
		coverageLoss = float64(len(lostIDs)) / float64(len(allTasks)) * 100
	}

	spareBattery := 0.0
	for _, id := range fleet.Operational {
		committed := orientBatteryDebitPct * float64(len(tasksAssignedTo(allTasks, id)))
		spare := fleet.Battery[id] - committed
		if spare > 0 {
			spareBattery += spare
		}
	}

	sparePayload := 0.0
	for _, id := range fleet.Operational {
		sparePayload += fleet.SparePayloadKg[id]
	}

	temporalMargin := math.Inf(1)
	hasDeadline := false
	now := e.nowFn().Unix()
	for _, t := range allTasks {
		if !t.HasDeadline {
			continue
		}
		margin := float64(t.Deadline.Unix() - now)
		if !hasDeadline || margin < temporalMargin {
			temporalMargin = margin
			hasDeadline = true
		}
	}
	if !hasDeadline {
		temporalMargin = 0
	}

	recoverable := e.estimateRecoverable(allTasks, lostIDs, fleet)

	return model.MissionImpact{
		CoverageLossPercent:  coverageLoss,
		AffectedZones:        db.AffectedZones(lostIDs),
		FleetSpareEnergy:     spareBattery,
		FleetSparePayloadKg:  sparePayload,
		TemporalMarginSec:    temporalMargin,
		RecoverableTaskCount: recoverable,
		TotalLostTaskCount:   len(lostIDs),
	}
}

// estimateRecoverable runs the coarse capacity model spec §4.6 describes:
// iteratively debit 5% battery and the task's payload from running
// per-vehicle totals, counting how many lost tasks the remaining budget
// can absorb. This is advisory only and never gates an assignment.
func (e *Engine) estimateRecoverable(allTasks []model.Task, lostIDs []model.TaskID, fleet model.FleetState) int {
	remainingBattery := make(map[int]float64, len(fleet.Operational))
	remainingPayload := make(map[int]float64, len(fleet.Operational))
	for i, id := range fleet.Operational {
		remainingBattery[i] = fleet.Battery[id] - orientBatteryDebitPct*float64(len(tasksAssignedTo(allTasks, id)))
		remainingPayload[i] = fleet.SparePayloadKg[id]
	}

	lostByID := make(map[model.TaskID]model.Task, len(allTasks))
	for _, t := range allTasks {
		lostByID[t.ID] = t
	}

	count := 0
	for _, id := range lostIDs {
		task, ok := lostByID[id]
		if !ok {
			continue
		}
		for i := range fleet.Operational {
			if remainingBattery[i] < orientBatteryDebitPct {
				continue
			}
			if task.HasPayload && remainingPayload[i] < task.PayloadKg {
				continue
			}
			remainingBattery[i] -= orientBatteryDebitPct
			if task.HasPayload {
				remainingPayload[i] -= task.PayloadKg
			}
			count++
			break
		}
	}
	return count
}

func tasksAssignedTo(allTasks []model.Task, v model.VehicleID) []model.Task {
	var out []model.Task
	for _, t := range allTasks {
		if t.HasAssignee && t.AssignedVehicle == v && !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

// decide builds the Optimizer on demand, assembles the lost task list
// (skipping unknown ids), and classifies the outcome (spec §4.6 Decide).
func (e *Engine) decide(
	lostIDs []model.TaskID,
	fleet model.FleetState,
	db MissionDB,
	v *validator.Validator,
	objFn *objective.Function,
	ctx model.MissionContext,
	avgSpeedMPS float64,
) (model.ReallocationPlan, model.Strategy, float64, float64, int, float64, error) {
	var lostTasks []model.Task
	for _, id := range lostIDs {
		t, err := db.GetTask(id)
		if err != nil {
			e.logger.Warn("decide: skipping unknown lost task id", zap.Int64("task_id", int64(id)))
			continue
		}
		lostTasks = append(lostTasks, t)
	}

	vehicles := make([]optimizer.VehicleInput, 0, len(fleet.Operational))
	for _, id := range fleet.Operational {
		vehicles = append(vehicles, optimizer.VehicleInput{
			ID:             id,
			Position:       fleet.Positions[id],
			Battery:        fleet.Battery[id],
			SparePayloadKg: fleet.SparePayloadKg[id],
			MayExitGrid:    fleet.Permissions[id].MayExitGrid,
		})
	}

	if len(lostTasks) == 0 || len(vehicles) == 0 {
		return model.ReallocationPlan{}, model.StrategyOperatorEscalation, 0, 0, 0, 0, nil
	}

	result := optimizer.Optimize(lostTasks, vehicles, v, objFn, ctx, avgSpeedMPS, e.nowFn, func() int64 { return e.nowFn().Unix() })

	strategy := classifyStrategy(result.CoveragePercent)
	plan := result.Allocation
	if strategy == model.StrategyOperatorEscalation {
		plan = model.ReallocationPlan{}
	}
	return plan, strategy, result.Score, result.CoveragePercent, result.Iterations, result.OptimalityGapEstimate, nil
}

func classifyStrategy(coverage float64) model.Strategy {
	switch {
	case coverage >= fullReallocationCoverage:
		return model.StrategyFullReallocation
	case coverage >= partialReallocationCoverage:
		return model.StrategyPartialReallocation
	default:
		return model.StrategyOperatorEscalation
	}
}

func countAssigned(plan model.ReallocationPlan) int {
	n := 0
	for _, ids := range plan {
		n += len(ids)
	}
	return n
}

func buildMetrics(impact model.MissionImpact, coverage, score float64, tasksLost, tasksRecovered, iterations int, gap float64, decideDur time.Duration) map[string]float64 {
	recoveryRate := 0.0
	if tasksLost > 0 {
		recoveryRate = float64(tasksRecovered) / float64(tasksLost) * 100
	}
	return map[string]float64{
		"recovery_rate":           recoveryRate,
		"coverage_loss":           impact.CoverageLossPercent,
		"tasks_recovered":         float64(tasksRecovered),
		"tasks_lost":              float64(tasksLost),
		"unallocated_count":       float64(tasksLost - tasksRecovered),
		"battery_spare":           impact.FleetSpareEnergy,
		"payload_spare":           impact.FleetSparePayloadKg,
		"temporal_margin":         impact.TemporalMarginSec,
		"recoverable_tasks":       float64(impact.RecoverableTaskCount),
		"objective_score":         score,
		"optimization_time_ms":    decideDur.Seconds() * 1000,
		"optimization_iterations": float64(iterations),
		"optimality_gap_estimate": gap,
		"affected_zones":          float64(len(impact.AffectedZones)),
	}
}

func buildRationale(strategy model.Strategy, lost, recovered int, coverage, score float64, iterations int, decideDur time.Duration) string {
	return fmt.Sprintf(
		"strategy=%s lost=%d recovered=%d coverage=%.1f%% score=%.4f iterations=%d decide_time=%s",
		strategy, lost, recovered, coverage, score, iterations, decideDur,
	)
}

func (e *Engine) escalateOnError(cycleStart time.Time, err error) model.OODADecision {
	e.logger.Error("ooda cycle escalated", zap.Error(err))
	decision := model.OODADecision{
		Strategy:        model.StrategyOperatorEscalation,
		Plan:            model.ReallocationPlan{},
		Rationale:       fmt.Sprintf("cycle error: %v", err),
		Metrics:         map[string]float64{},
		TotalDurationMS: msSince(cycleStart, e.nowFn()),
	}
	e.notifyDecision(decision)
	return decision
}

func (e *Engine) recordCycle(decision model.OODADecision, total time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.cycleCount++
	e.totalStats.observe(total.Seconds() * 1000)
	if rate, ok := decision.Metrics["recovery_rate"]; ok {
		e.recoveryRate.observe(rate)
	}
	if score, ok := decision.Metrics["objective_score"]; ok {
		e.objScore.observe(score)
	}
}

// PerformanceStats returns cycle count, per-phase mean/max/min/stddev, and
// decision-quality aggregates (spec §4.6 performance_stats()).
func (e *Engine) PerformanceStats() PerformanceStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	var ps PerformanceStats
	ps.CycleCount = e.cycleCount
	ps.ObservePhaseMeanMS, ps.ObservePhaseMaxMS, ps.ObservePhaseMinMS, ps.ObservePhaseStddevMS = e.observeStats.meanMaxMinStddev()
	ps.OrientPhaseMeanMS, ps.OrientPhaseMaxMS, ps.OrientPhaseMinMS, ps.OrientPhaseStddevMS = e.orientStats.meanMaxMinStddev()
	ps.DecidePhaseMeanMS, ps.DecidePhaseMaxMS, ps.DecidePhaseMinMS, ps.DecidePhaseStddevMS = e.decideStats.meanMaxMinStddev()
	ps.ActPhaseMeanMS, ps.ActPhaseMaxMS, ps.ActPhaseMinMS, ps.ActPhaseStddevMS = e.actStats.meanMaxMinStddev()
	ps.TotalMeanMS, ps.TotalMaxMS, ps.TotalMinMS, ps.TotalStddevMS = e.totalStats.meanMaxMinStddev()
	ps.RecoveryRateMean, ps.RecoveryRateMax, ps.RecoveryRateMin, ps.RecoveryRateStddev = e.recoveryRate.meanMaxMinStddev()
	ps.ObjectiveScoreMean, ps.ObjectiveScoreMax, ps.ObjectiveScoreMin, ps.ObjectiveScoreStddev = e.objScore.meanMaxMinStddev()
	return ps
}

func msSince(start time.Time, now time.Time) float64 {
	return now.Sub(start).Seconds() * 1000
}

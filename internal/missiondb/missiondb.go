// Package missiondb — missiondb.go
//
// In-memory Mission Database (spec §4.1, component C1).
//
// Consistency model:
//   - Single process, single writer: every mutating method takes the same
//     sync.RWMutex for its whole critical section.
//   - No durable state. Nothing in this package touches disk; an
//     OODADecision that should be remembered across restarts is the
//     concern of an attached internal/ooda.Observer (see internal/audit),
//     never of the database itself.
//   - CommitPlan is all-or-nothing: a plan is validated in full against
//     the current task/vehicle set before any assignment is mutated, so a
//     rejected plan leaves the database byte-for-byte as it was.
//
// Failure modes:
//   - Unknown task ids are reported via ErrUnknownTask, never a panic.
//     Vehicle ids are not validated: an unknown vehicle simply holds no
//     tasks.
//   - CommitPlan referencing a terminal (completed/failed) task is
//     rejected whole, per spec I2.
package missiondb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

// Sentinel errors, classified by callers with errors.Is (spec §7).
var (
	ErrUnknownTask        = errors.New("missiondb: unknown task")
	ErrUnknownVehicle     = errors.New("missiondb: unknown vehicle")
	ErrAlreadyRegistered  = errors.New("missiondb: task already registered")
	ErrInvalidTask        = errors.New("missiondb: invalid task")
	ErrTaskNotAssignable  = errors.New("missiondb: task is not in an assignable state")
)

// Stats summarizes the current database contents (spec §4.1 stats()).
type Stats struct {
	TotalTasks     int
	PendingTasks   int
	AssignedTasks  int
	InProgress     int
	CompletedTasks int
	FailedTasks    int
}

// DB is the in-memory Mission Database. The zero value is not usable; use
// New.
type DB struct {
	mu sync.RWMutex

	tasks      map[model.TaskID]*model.Task
	assignedTo map[model.VehicleID]map[model.TaskID]struct{}
}

// New returns an empty Mission Database.
func New() *DB {
	return &DB{
		tasks:      make(map[model.TaskID]*model.Task),
		assignedTo: make(map[model.VehicleID]map[model.TaskID]struct{}),
	}
}

// AddTask inserts a new task in TaskPending status. Returns
// ErrAlreadyRegistered if the id is already present, ErrInvalidTask if the
// task fails basic structural checks (delivery tasks must carry a
// payload, spec I1).
func (d *DB) AddTask(t model.Task) error {
	if err := validateNewTask(t); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[t.ID]; exists {
		return fmt.Errorf("%w: id=%d", ErrAlreadyRegistered, t.ID)
	}

	t.Status = model.TaskPending
	t.HasAssignee = false
	stored := t.Clone()
	d.tasks[t.ID] = &stored
	return nil
}

func validateNewTask(t model.Task) error {
	if t.Kind == model.TaskDelivery && !t.HasPayload {
		return fmt.Errorf("%w: delivery task %d has no payload", ErrInvalidTask, t.ID)
	}
	if t.HasPayload && t.PayloadKg < 0 {
		return fmt.Errorf("%w: task %d has negative payload", ErrInvalidTask, t.ID)
	}
	return nil
}

// GetTask returns a copy of the task with the given id.
func (d *DB) GetTask(id model.TaskID) (model.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: id=%d", ErrUnknownTask, id)
	}
	return t.Clone(), nil
}

// AllTasks returns a copy of every task, ordered by ascending TaskID (spec
// §9: never hand out map iteration order for anything order-sensitive).
func (d *DB) AllTasks() []model.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedTasksLocked()
}

func (d *DB) sortedTasksLocked() []model.Task {
	out := make([]model.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingTasks returns every task currently in TaskPending status, ordered
// by ascending TaskID.
func (d *DB) PendingTasks() []model.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all := d.sortedTasksLocked()
	out := all[:0:0]
	for _, t := range all {
		if t.Status == model.TaskPending {
			out = append(out, t)
		}
	}
	return out
}

// TasksOf returns the ordered list of task ids currently assigned to
// vehicle v (TaskAssigned or TaskInProgress), ascending by TaskID.
func (d *DB) TasksOf(v model.VehicleID) []model.TaskID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.assignedTo[v]
	ids := make([]model.TaskID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Assign sets a single task's assignment to vehicle v, moving it to
// TaskAssigned. This is a direct, non-plan mutation used by callers that
// manage assignment outside a full CommitPlan (e.g. manual test setup);
// production reallocation always goes through CommitPlan.
func (d *DB) Assign(taskID model.TaskID, v model.VehicleID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnknownTask, taskID)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %d is %s", ErrTaskNotAssignable, taskID, t.Status)
	}

	d.unassignLocked(taskID)
	t.AssignedVehicle = v
	t.HasAssignee = true
	t.Status = model.TaskAssigned
	d.addToAssignedSetLocked(v, taskID)
	return nil
}

func (d *DB) unassignLocked(taskID model.TaskID) {
	t, ok := d.tasks[taskID]
	if !ok || !t.HasAssignee {
		return
	}
	if set := d.assignedTo[t.AssignedVehicle]; set != nil {
		delete(set, taskID)
	}
	t.HasAssignee = false
}

func (d *DB) addToAssignedSetLocked(v model.VehicleID, taskID model.TaskID) {
	set, ok := d.assignedTo[v]
	if !ok {
		set = make(map[model.TaskID]struct{})
		d.assignedTo[v] = set
	}
	set[taskID] = struct{}{}
}

// CommitPlan atomically applies a full ReallocationPlan (spec §4.1, L1).
// Every referenced task must exist and be non-terminal; the whole plan is
// validated before any mutation is applied, so a rejected plan leaves the
// database unchanged. A task absent from the plan keeps its current
// assignment untouched — CommitPlan only ever adds or moves assignments
// for tasks it names.
func (d *DB) CommitPlan(plan model.ReallocationPlan) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for v, taskIDs := range plan {
		for _, id := range taskIDs {
			t, ok := d.tasks[id]
			if !ok {
				return fmt.Errorf("%w: plan references id=%d for vehicle=%d", ErrUnknownTask, id, v)
			}
			if t.Status.IsTerminal() {
				return fmt.Errorf("%w: task %d is %s", ErrTaskNotAssignable, id, t.Status)
			}
		}
	}

	vehicles := make([]model.VehicleID, 0, len(plan))
	for v := range plan {
		vehicles = append(vehicles, v)
	}
	sort.Slice(vehicles, func(i, j int) bool { return vehicles[i] < vehicles[j] })

	for _, v := range vehicles {
		ids := append([]model.TaskID(nil), plan[v]...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			d.unassignLocked(id)
			t := d.tasks[id]
			t.AssignedVehicle = v
			t.HasAssignee = true
			t.Status = model.TaskAssigned
			d.addToAssignedSetLocked(v, id)
		}
	}
	return nil
}

// MarkCompleted transitions a task to TaskCompleted, releasing its
// assignment. Terminal status is monotonic (spec I2): a task already
// completed or failed cannot be re-marked.
func (d *DB) MarkCompleted(id model.TaskID) error {
	return d.markTerminal(id, model.TaskCompleted)
}

// MarkFailed transitions a task to TaskFailed, releasing its assignment.
func (d *DB) MarkFailed(id model.TaskID) error {
	return d.markTerminal(id, model.TaskFailed)
}

func (d *DB) markTerminal(id model.TaskID, status model.TaskStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnknownTask, id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %d already %s", ErrTaskNotAssignable, id, t.Status)
	}
	d.unassignLocked(id)
	t.Status = status
	return nil
}

// ReleaseVehicle unassigns every task currently held by v, returning them
// to TaskPending so they become reallocatable after v is reported failed.
// The OODA engine does not call it; its caller releases the tasks and
// passes the returned ids in FleetState.LostTasks.
func (d *DB) ReleaseVehicle(v model.VehicleID) []model.TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]model.TaskID, 0, len(d.assignedTo[v]))
	for id := range d.assignedTo[v] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := d.tasks[id]
		if t == nil || t.Status.IsTerminal() {
			continue
		}
		t.HasAssignee = false
		t.Status = model.TaskPending
	}
	delete(d.assignedTo, v)
	return ids
}

// AffectedZones returns the set of distinct zone ids touched by the given
// task ids, ascending order. Tasks without a zone are skipped.
func (d *DB) AffectedZones(taskIDs []model.TaskID) []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[int64]struct{})
	for _, id := range taskIDs {
		t, ok := d.tasks[id]
		if !ok || !t.HasZone {
			continue
		}
		seen[t.ZoneID] = struct{}{}
	}
	zones := make([]int64, 0, len(seen))
	for z := range seen {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })
	return zones
}

// Stats returns a snapshot count of tasks by status.
func (d *DB) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var s Stats
	s.TotalTasks = len(d.tasks)
	for _, t := range d.tasks {
		switch t.Status {
		case model.TaskPending:
			s.PendingTasks++
		case model.TaskAssigned:
			s.AssignedTasks++
		case model.TaskInProgress:
			s.InProgress++
		case model.TaskCompleted:
			s.CompletedTasks++
		case model.TaskFailed:
			s.FailedTasks++
		}
	}
	return s
}

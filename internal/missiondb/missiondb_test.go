package missiondb

import (
	"errors"
	"testing"

	"github.com/gcs-fleet/decision-engine/internal/model"
)

func mustAdd(t *testing.T, d *DB, task model.Task) {
	t.Helper()
	if err := d.AddTask(task); err != nil {
		t.Fatalf("AddTask(%d): %v", task.ID, err)
	}
}

func TestAddTaskRejectsDuplicates(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	if err := d.AddTask(model.Task{ID: 1, Kind: model.TaskSurveillance}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestAddTaskRejectsDeliveryWithoutPayload(t *testing.T) {
	d := New()
	if err := d.AddTask(model.Task{ID: 1, Kind: model.TaskDelivery}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestGetTaskUnknown(t *testing.T) {
	d := New()
	if _, err := d.GetTask(99); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestCommitPlanAssignsAndOrders(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	mustAdd(t, d, model.Task{ID: 2, Kind: model.TaskSurveillance})

	plan := model.ReallocationPlan{10: {2, 1}}
	if err := d.CommitPlan(plan); err != nil {
		t.Fatalf("CommitPlan: %v", err)
	}

	ids := d.TasksOf(10)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("expected ordered [1 2], got %v", ids)
	}

	task1, _ := d.GetTask(1)
	if task1.Status != model.TaskAssigned || task1.AssignedVehicle != 10 {
		t.Fatalf("task 1 not assigned correctly: %+v", task1)
	}
}

func TestCommitPlanIsAllOrNothing(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})

	plan := model.ReallocationPlan{10: {1, 99}}
	if err := d.CommitPlan(plan); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}

	task1, _ := d.GetTask(1)
	if task1.Status != model.TaskPending {
		t.Fatalf("expected task 1 untouched after rejected plan, got status %s", task1.Status)
	}
}

func TestCommitPlanRejectsTerminalTask(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	if err := d.MarkCompleted(1); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	plan := model.ReallocationPlan{10: {1}}
	if err := d.CommitPlan(plan); !errors.Is(err, ErrTaskNotAssignable) {
		t.Fatalf("expected ErrTaskNotAssignable, got %v", err)
	}
}

func TestMarkTerminalIsMonotonic(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	if err := d.MarkFailed(1); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := d.MarkCompleted(1); !errors.Is(err, ErrTaskNotAssignable) {
		t.Fatalf("expected re-marking a terminal task to fail, got %v", err)
	}
}

func TestReleaseVehicleReturnsTasksToPending(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	mustAdd(t, d, model.Task{ID: 2, Kind: model.TaskSurveillance})
	if err := d.CommitPlan(model.ReallocationPlan{5: {1, 2}}); err != nil {
		t.Fatalf("CommitPlan: %v", err)
	}

	released := d.ReleaseVehicle(5)
	if len(released) != 2 {
		t.Fatalf("expected 2 released tasks, got %v", released)
	}

	for _, id := range released {
		task, _ := d.GetTask(id)
		if task.Status != model.TaskPending || task.HasAssignee {
			t.Errorf("task %d not reset to pending: %+v", id, task)
		}
	}
	if len(d.TasksOf(5)) != 0 {
		t.Errorf("expected vehicle 5 to have no tasks after release")
	}
}

func TestAffectedZonesDeduplicatesAndSorts(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance, ZoneID: 3, HasZone: true})
	mustAdd(t, d, model.Task{ID: 2, Kind: model.TaskSurveillance, ZoneID: 1, HasZone: true})
	mustAdd(t, d, model.Task{ID: 3, Kind: model.TaskSurveillance, ZoneID: 3, HasZone: true})
	mustAdd(t, d, model.Task{ID: 4, Kind: model.TaskSurveillance})

	zones := d.AffectedZones([]model.TaskID{1, 2, 3, 4})
	if len(zones) != 2 || zones[0] != 1 || zones[1] != 3 {
		t.Fatalf("expected [1 3], got %v", zones)
	}
}

func TestStatsCounts(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	mustAdd(t, d, model.Task{ID: 2, Kind: model.TaskSurveillance})
	if err := d.MarkCompleted(1); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	stats := d.Stats()
	if stats.TotalTasks != 2 || stats.CompletedTasks != 1 || stats.PendingTasks != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAllTasksOrderedByID(t *testing.T) {
	d := New()
	mustAdd(t, d, model.Task{ID: 5, Kind: model.TaskSurveillance})
	mustAdd(t, d, model.Task{ID: 1, Kind: model.TaskSurveillance})
	mustAdd(t, d, model.Task{ID: 3, Kind: model.TaskSurveillance})

	tasks := d.AllTasks()
	if len(tasks) != 3 || tasks[0].ID != 1 || tasks[1].ID != 3 || tasks[2].ID != 5 {
		t.Fatalf("expected ascending order, got %+v", tasks)
	}
}

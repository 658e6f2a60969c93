package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/store/memory"
	"saas-knowledge-platform/models"
)

func newTrackerFixture() (*Tracker, store.Stores) {
	stores := memory.NewStores()
	return NewTracker(stores.Tasks), stores
}

func submitTask(t *testing.T, tracker *Tracker, kind string) primitive.ObjectID {
	t.Helper()
	id, err := tracker.Submit(context.Background(), kind, "", func(primitive.ObjectID) error { return nil })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func TestTrackerSubmit(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerFixture()

	var enqueued primitive.ObjectID
	id, err := tracker.Submit(ctx, models.TaskKindIngestion, "doc-42", func(taskID primitive.ObjectID) error {
		enqueued = taskID
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if enqueued != id {
		t.Fatalf("enqueue saw %s, submit returned %s", enqueued.Hex(), id.Hex())
	}

	task, err := tracker.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Fatalf("status: got %q, want pending", task.Status)
	}
	if task.Kind != models.TaskKindIngestion || task.SubjectID != "doc-42" {
		t.Fatalf("task fields: %+v", task)
	}
	if task.CompletedAt != nil {
		t.Fatalf("pending task must not carry a completion time")
	}
}

func TestTrackerSubmitEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	tracker, stores := newTrackerFixture()

	var created primitive.ObjectID
	_, err := tracker.Submit(ctx, models.TaskKindReport, "", func(taskID primitive.ObjectID) error {
		created = taskID
		return errors.New("queue offline")
	})
	if err == nil {
		t.Fatal("expected submit to fail when enqueue fails")
	}

	task, err := stores.Tasks.Get(ctx, created)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status: got %q, want failed", task.Status)
	}
	if task.Message != "enqueue failed: queue offline" {
		t.Fatalf("message: got %q", task.Message)
	}
	if task.CompletedAt == nil {
		t.Fatal("failed task must be terminal")
	}
}

func TestTrackerRunCompletesWithFinalCounters(t *testing.T) {
	ctx := context.Background()
	tracker, stores := newTrackerFixture()
	id := submitTask(t, tracker, models.TaskKindCollection)

	var midRun *models.BackgroundTask
	err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
		if err := report(1, 10, 1, 0, "batch 1"); err != nil {
			return err
		}
		// Reports inside the write interval stay in memory.
		if err := report(5, 10, 5, 0, ""); err != nil {
			return err
		}
		if err := report(10, 10, 9, 1, "batch 10"); err != nil {
			return err
		}
		snapshot, err := stores.Tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		midRun = snapshot
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if midRun.Status != models.TaskStatusRunning {
		t.Fatalf("mid-run status: got %q, want running", midRun.Status)
	}
	if midRun.ProgressCurrent != 1 {
		t.Fatalf("coalescing should hold the persisted counter at 1, got %d", midRun.ProgressCurrent)
	}

	task, err := tracker.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("status: got %q, want completed", task.Status)
	}
	if task.ProgressCurrent != 10 || task.ProgressTotal != 10 || task.Collected != 9 || task.Errors != 1 {
		t.Fatalf("final counters were dropped: %+v", task)
	}
	if task.Message != "batch 10" {
		t.Fatalf("message: got %q", task.Message)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed task must carry a completion time")
	}
}

func TestTrackerRunFailure(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerFixture()
	id := submitTask(t, tracker, models.TaskKindIngestion)

	workErr := errors.New("upstream returned 503")
	err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
		if err := report(2, 4, 0, 0, ""); err != nil {
			return err
		}
		return workErr
	})
	if !errors.Is(err, workErr) {
		t.Fatalf("run should surface the work error, got %v", err)
	}

	task, err := tracker.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status: got %q, want failed", task.Status)
	}
	if task.Message != "upstream returned 503" {
		t.Fatalf("message: got %q", task.Message)
	}
	if task.ProgressCurrent != 2 || task.ProgressTotal != 4 {
		t.Fatalf("failure must keep the last reported counters: %+v", task)
	}
}

func TestTrackerRunRecoversPanic(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerFixture()
	id := submitTask(t, tracker, models.TaskKindIngestion)

	err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
		panic("nil map write")
	})
	if err == nil || err.Error() != "panic: nil map write" {
		t.Fatalf("expected recovered panic error, got %v", err)
	}

	task, err := tracker.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status: got %q, want failed", task.Status)
	}
	if task.Message != "panic: nil map write" {
		t.Fatalf("message: got %q", task.Message)
	}
}

func TestTrackerRunRequiresPendingTask(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerFixture()

	t.Run("missing task", func(t *testing.T) {
		err := tracker.Run(ctx, primitive.NewObjectID(), func(ctx context.Context, report ProgressFunc) error {
			return nil
		})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("terminal task", func(t *testing.T) {
		id := submitTask(t, tracker, models.TaskKindIngestion)
		if err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
			return nil
		}); err != nil {
			t.Fatalf("first run: %v", err)
		}

		var called bool
		err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed, got %v", err)
		}
		if called {
			t.Fatal("work function ran on a terminal task")
		}

		task, err := tracker.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if task.Status != models.TaskStatusCompleted {
			t.Fatalf("terminal status changed: %q", task.Status)
		}
	})
}

func TestTrackerCancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("requested before start", func(t *testing.T) {
		tracker, _ := newTrackerFixture()
		id := submitTask(t, tracker, models.TaskKindCollection)
		if err := tracker.Cancel(ctx, id); err != nil {
			t.Fatalf("cancel pending task: %v", err)
		}

		var batches int
		err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
			for i := 1; i <= 5; i++ {
				if err := report(i, 5, 0, 0, ""); err != nil {
					return err
				}
				batches++
			}
			return nil
		})
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
		if batches != 0 {
			t.Fatalf("work continued for %d batches after cancellation", batches)
		}

		task, err := tracker.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if task.Status != models.TaskStatusFailed {
			t.Fatalf("status: got %q, want failed", task.Status)
		}
		if task.Message != "cancelled by request" {
			t.Fatalf("message: got %q", task.Message)
		}
	})

	t.Run("requested at a batch boundary", func(t *testing.T) {
		tracker, _ := newTrackerFixture()
		id := submitTask(t, tracker, models.TaskKindCollection)

		err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
			if err := report(1, 3, 0, 0, ""); err != nil {
				return err
			}
			if err := tracker.Cancel(ctx, id); err != nil {
				return err
			}
			if err := report(2, 3, 0, 0, ""); err != nil {
				return err
			}
			return errors.New("work continued past cancellation")
		})
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}

		task, err := tracker.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if task.Status != models.TaskStatusFailed || task.Message != "cancelled by request" {
			t.Fatalf("task after cancel: status=%q message=%q", task.Status, task.Message)
		}
	})

	t.Run("terminal task cannot be cancelled", func(t *testing.T) {
		tracker, _ := newTrackerFixture()
		id := submitTask(t, tracker, models.TaskKindIngestion)
		if err := tracker.Run(ctx, id, func(ctx context.Context, report ProgressFunc) error {
			return nil
		}); err != nil {
			t.Fatalf("run: %v", err)
		}

		err := tracker.Cancel(ctx, id)
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed, got %v", err)
		}
	})

	t.Run("missing task", func(t *testing.T) {
		tracker, _ := newTrackerFixture()
		err := tracker.Cancel(ctx, primitive.NewObjectID())
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTrackerList(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTrackerFixture()

	first := submitTask(t, tracker, models.TaskKindIngestion)
	second := submitTask(t, tracker, models.TaskKindReport)
	third := submitTask(t, tracker, models.TaskKindCollection)
	if err := tracker.Run(ctx, second, func(ctx context.Context, report ProgressFunc) error {
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	all, err := tracker.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != third || all[1].ID != second || all[2].ID != first {
		t.Fatalf("expected newest-first order, got %v", []string{all[0].ID.Hex(), all[1].ID.Hex(), all[2].ID.Hex()})
	}

	pending, err := tracker.List(ctx, models.TaskStatusPending, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}

	limited, err := tracker.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != third {
		t.Fatalf("limit should keep the newest task, got %v", limited)
	}
}

func TestTrackerPurgeExpired(t *testing.T) {
	ctx := context.Background()
	tracker, stores := newTrackerFixture()

	old := time.Now().Add(-48 * time.Hour)
	expiredDone := &models.BackgroundTask{
		Kind:        models.TaskKindIngestion,
		Status:      models.TaskStatusCompleted,
		CompletedAt: &old,
	}
	if _, err := stores.Tasks.Create(ctx, expiredDone); err != nil {
		t.Fatalf("seed expired task: %v", err)
	}
	expiredFailed := &models.BackgroundTask{
		Kind:        models.TaskKindReport,
		Status:      models.TaskStatusFailed,
		CompletedAt: &old,
	}
	if _, err := stores.Tasks.Create(ctx, expiredFailed); err != nil {
		t.Fatalf("seed expired task: %v", err)
	}

	recentDone := submitTask(t, tracker, models.TaskKindCollection)
	if err := tracker.Run(ctx, recentDone, func(ctx context.Context, report ProgressFunc) error {
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	stillPending := submitTask(t, tracker, models.TaskKindIngestion)

	purged, err := tracker.PurgeExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("purged: got %d, want 2", purged)
	}

	if _, err := tracker.GetStatus(ctx, expiredDone.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired task should be gone, got %v", err)
	}
	if _, err := tracker.GetStatus(ctx, recentDone); err != nil {
		t.Fatalf("recent terminal task should survive: %v", err)
	}
	if _, err := tracker.GetStatus(ctx, stillPending); err != nil {
		t.Fatalf("pending task should survive: %v", err)
	}
}

func TestTrackerSweepStale(t *testing.T) {
	ctx := context.Background()
	tracker, stores := newTrackerFixture()

	stale := submitTask(t, tracker, models.TaskKindCollection)
	if err := stores.Tasks.MarkRunning(ctx, stale); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	agedPending := submitTask(t, tracker, models.TaskKindIngestion)
	time.Sleep(20 * time.Millisecond)

	fresh := submitTask(t, tracker, models.TaskKindIngestion)
	if err := stores.Tasks.MarkRunning(ctx, fresh); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	swept, err := tracker.SweepStale(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept: got %d, want 1", swept)
	}

	task, err := tracker.GetStatus(ctx, stale)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("stale task status: got %q, want failed", task.Status)
	}
	if task.Message != "worker heartbeat lost" {
		t.Fatalf("stale task message: got %q", task.Message)
	}
	if task.CompletedAt == nil {
		t.Fatal("swept task must be terminal")
	}

	if task, err := tracker.GetStatus(ctx, fresh); err != nil || task.Status != models.TaskStatusRunning {
		t.Fatalf("fresh running task was swept: %+v (%v)", task, err)
	}
	if task, err := tracker.GetStatus(ctx, agedPending); err != nil || task.Status != models.TaskStatusPending {
		t.Fatalf("pending task was swept: %+v (%v)", task, err)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/models"
)

// progressWriteInterval is the minimum gap between persisted progress
// writes. Reports arriving faster are kept in memory and flushed by the
// terminal transition, so the final counters are never dropped.
const progressWriteInterval = 500 * time.Millisecond

// ProgressFunc reports work progress at batch boundaries. It returns
// ErrCancelled once cancellation has been requested; the work function must
// stop and return that error rather than starting the next batch.
type ProgressFunc func(current, total, collected, errorCount int, message string) error

// WorkFunc is one unit of tracked background work.
type WorkFunc func(ctx context.Context, report ProgressFunc) error

// Tracker owns the BackgroundTask state machine:
// pending -> running -> {completed, failed}, terminal states immutable.
// Submission and execution are decoupled so the API process can submit and
// a worker process can run.
type Tracker struct {
	tasks store.TaskStore
}

func NewTracker(tasks store.TaskStore) *Tracker {
	return &Tracker{tasks: tasks}
}

// Submit persists a pending task and hands its id to enqueue, which places
// the work on the queue. A failed enqueue terminates the task immediately
// so no pending row is left behind for a worker that will never come.
func (t *Tracker) Submit(ctx context.Context, kind, subjectID string, enqueue func(taskID primitive.ObjectID) error) (primitive.ObjectID, error) {
	now := time.Now()
	task := &models.BackgroundTask{
		Kind:      kind,
		Status:    models.TaskStatusPending,
		SubjectID: subjectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := t.tasks.Create(ctx, task)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("create task: %w", err)
	}

	if err := enqueue(id); err != nil {
		_ = t.tasks.Complete(ctx, id, models.TaskStatusFailed, models.ProgressUpdate{
			TaskID:  id,
			Message: fmt.Sprintf("enqueue failed: %v", err),
			Final:   true,
		})
		return primitive.NilObjectID, fmt.Errorf("enqueue task: %w", err)
	}

	logger.Info("task submitted", "task_id", id.Hex(), "kind", kind, "subject_id", subjectID)
	return id, nil
}

// GetStatus is a pure read, safe to poll at sub-second intervals. After the
// retention purge it returns store.ErrNotFound even though the artifacts
// the task produced remain.
func (t *Tracker) GetStatus(ctx context.Context, taskID primitive.ObjectID) (*models.BackgroundTask, error) {
	return t.tasks.Get(ctx, taskID)
}

// List returns recent tasks, optionally filtered by status.
func (t *Tracker) List(ctx context.Context, status string, limit int64) ([]models.BackgroundTask, error) {
	return t.tasks.List(ctx, status, limit)
}

// Cancel flags a pending or running task for cancellation. The work
// function observes the flag at its next batch boundary; the task then
// fails with a cancellation reason. Terminal tasks cannot be cancelled.
func (t *Tracker) Cancel(ctx context.Context, taskID primitive.ObjectID) error {
	task, err := t.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Terminal() {
		return fmt.Errorf("%w: task %s already %s", ErrPreconditionFailed, taskID.Hex(), task.Status)
	}
	if err := t.tasks.RequestCancel(ctx, taskID); err != nil {
		return err
	}
	logger.Info("task cancellation requested", "task_id", taskID.Hex(), "kind", task.Kind)
	return nil
}

// Run executes workFn under the task, moving it running -> terminal. The
// final progress counters are always flushed with the terminal write, and a
// panic inside workFn becomes a failed task, never a dead worker.
func (t *Tracker) Run(ctx context.Context, taskID primitive.ObjectID, workFn WorkFunc) error {
	task, err := t.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if err := t.tasks.MarkRunning(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrStaleUpdate) {
			return fmt.Errorf("%w: task %s is not pending", ErrPreconditionFailed, taskID.Hex())
		}
		return fmt.Errorf("mark task running: %w", err)
	}

	r := &taskRun{tracker: t, taskID: taskID}
	workErr := r.execute(ctx, workFn)

	status := models.TaskStatusCompleted
	message := ""
	switch {
	case workErr == nil:
	case errors.Is(workErr, ErrCancelled):
		status = models.TaskStatusFailed
		message = "cancelled by request"
	default:
		status = models.TaskStatusFailed
		message = workErr.Error()
	}

	final := r.lastProgress()
	final.TaskID = taskID
	final.Final = true
	if message != "" {
		final.Message = message
	}
	if err := t.tasks.Complete(ctx, taskID, status, final); err != nil {
		// A stale sweep or racing cancel may have terminalized it already.
		logger.Error("could not finalize task",
			"task_id", taskID.Hex(), "status", status, "error", err)
	}

	telemetry.RecordTaskCompleted(task.Kind, status)
	logger.Info("task finished",
		"task_id", taskID.Hex(),
		"kind", task.Kind,
		"status", status,
		"current", final.Current,
		"total", final.Total,
		"collected", final.Collected,
		"errors", final.Errors,
		"message", message)
	return workErr
}

// taskRun carries the in-memory progress state for one Run call.
type taskRun struct {
	tracker *Tracker
	taskID  primitive.ObjectID

	mu        sync.Mutex
	last      models.ProgressUpdate
	lastWrite time.Time
	cancelled bool
}

func (r *taskRun) execute(ctx context.Context, workFn WorkFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("task work function panicked",
				"task_id", r.taskID.Hex(), "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return workFn(ctx, r.report)
}

// report is the ProgressFunc handed to the work function. Each call is a
// batch boundary: it checks the cancel flag, remembers the counters, and
// persists them unless the last write was too recent.
func (r *taskRun) report(current, total, collected, errorCount int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last = models.ProgressUpdate{
		TaskID:    r.taskID,
		Current:   current,
		Total:     total,
		Collected: collected,
		Errors:    errorCount,
		Message:   message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !r.cancelled {
		requested, err := r.tracker.tasks.IsCancelRequested(ctx, r.taskID)
		if err != nil {
			logger.Warn("cancel flag check failed", "task_id", r.taskID.Hex(), "error", err)
		} else if requested {
			r.cancelled = true
		}
	}

	if time.Since(r.lastWrite) >= progressWriteInterval {
		if err := r.tracker.tasks.UpdateProgress(ctx, r.taskID, r.last); err != nil {
			if !errors.Is(err, store.ErrStaleUpdate) {
				logger.Warn("progress write failed", "task_id", r.taskID.Hex(), "error", err)
			}
		} else {
			r.lastWrite = time.Now()
		}
	}

	if r.cancelled {
		return ErrCancelled
	}
	return nil
}

func (r *taskRun) lastProgress() models.ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// PurgeExpired removes terminal tasks older than the retention window.
// Ingestion artifacts are untouched; only the polling record goes away.
func (t *Tracker) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	purged, err := t.tasks.PurgeTerminatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		logger.Info("purged expired tasks", "count", purged, "retention", retention.String())
	}
	return purged, nil
}

// SweepStale fails running tasks whose heartbeat is older than the
// deadline, covering workers that died mid-run.
func (t *Tracker) SweepStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	swept, err := t.tasks.FailStaleRunning(ctx, cutoff, "worker heartbeat lost")
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		logger.Warn("swept stale running tasks", "count", swept, "stale_after", staleAfter.String())
	}
	return swept, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/store/memory"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/services"
)

func TestTaskCreatorsRoundTrip(t *testing.T) {
	taskID := primitive.NewObjectID()
	subjectID := primitive.NewObjectID()

	t.Run("ingest", func(t *testing.T) {
		task, err := NewIngestDocumentTask(taskID, subjectID, services.IngestOptions{})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if task.Type() != TaskIngestDocument {
			t.Fatalf("type: got %q", task.Type())
		}
		var payload IngestPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.TaskID != taskID.Hex() || payload.DocumentID != subjectID.Hex() {
			t.Fatalf("payload ids: %+v", payload)
		}
	})

	t.Run("retry embeddings", func(t *testing.T) {
		task, err := NewRetryEmbeddingsTask(taskID, subjectID, "text-embedding-004")
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if task.Type() != TaskRetryEmbeddings {
			t.Fatalf("type: got %q", task.Type())
		}
		var payload RetryEmbeddingsPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Model != "text-embedding-004" || payload.DocumentID != subjectID.Hex() {
			t.Fatalf("payload: %+v", payload)
		}
	})

	t.Run("collection", func(t *testing.T) {
		task, err := NewRunCollectionTask(taskID, subjectID)
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if task.Type() != TaskRunCollection {
			t.Fatalf("type: got %q", task.Type())
		}
		var payload CollectionPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.SourceID != subjectID.Hex() {
			t.Fatalf("payload: %+v", payload)
		}
	})

	t.Run("report", func(t *testing.T) {
		task, err := NewBuildReportTask(taskID, subjectID)
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if task.Type() != TaskBuildReport {
			t.Fatalf("type: got %q", task.Type())
		}
		var payload ReportPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.ContainerID != subjectID.Hex() {
			t.Fatalf("payload: %+v", payload)
		}
	})
}

func TestHandlersRejectMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	p := NewTaskProcessor(nil, nil, nil, nil)

	handlers := []struct {
		name   string
		handle func(context.Context, *asynq.Task) error
		kind   string
	}{
		{"ingest", p.HandleIngestDocument, TaskIngestDocument},
		{"retry embeddings", p.HandleRetryEmbeddings, TaskRetryEmbeddings},
		{"collection", p.HandleRunCollection, TaskRunCollection},
		{"report", p.HandleBuildReport, TaskBuildReport},
	}
	for _, h := range handlers {
		t.Run(h.name, func(t *testing.T) {
			err := h.handle(ctx, asynq.NewTask(h.kind, []byte("{not json")))
			if err == nil {
				t.Fatal("expected error for malformed payload")
			}
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("malformed payload must not be retried, got %v", err)
			}
		})
	}
}

func TestHandlersRejectInvalidIDs(t *testing.T) {
	ctx := context.Background()
	p := NewTaskProcessor(nil, nil, nil, nil)

	payload, err := json.Marshal(IngestPayload{TaskID: "zzz", DocumentID: primitive.NewObjectID().Hex()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	err = p.HandleIngestDocument(ctx, asynq.NewTask(TaskIngestDocument, payload))
	if err == nil || !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("invalid task id must skip retry, got %v", err)
	}

	payload, err = json.Marshal(CollectionPayload{TaskID: primitive.NewObjectID().Hex(), SourceID: "not-hex"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	err = p.HandleRunCollection(ctx, asynq.NewTask(TaskRunCollection, payload))
	if err == nil || !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("invalid source id must skip retry, got %v", err)
	}
}

func newQueueFixture(t *testing.T) (*TaskProcessor, *services.Tracker, func(kind string) primitive.ObjectID) {
	t.Helper()
	stores := memory.NewStores()
	tracker := services.NewTracker(stores.Tasks)
	p := NewTaskProcessor(tracker, nil, nil, nil)

	submit := func(kind string) primitive.ObjectID {
		id, err := tracker.Submit(context.Background(), kind, "", func(primitive.ObjectID) error { return nil })
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return id
	}
	return p, tracker, submit
}

func TestRunTrackedOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes task", func(t *testing.T) {
		p, tracker, submit := newQueueFixture(t)
		id := submit(models.TaskKindIngestion)

		err := p.runTracked(ctx, id, func(ctx context.Context, report services.ProgressFunc) error {
			return report(1, 1, 0, 0, "done")
		})
		if err != nil {
			t.Fatalf("runTracked: %v", err)
		}
		task, err := tracker.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if task.Status != models.TaskStatusCompleted {
			t.Fatalf("status: got %q", task.Status)
		}
	})

	t.Run("cancellation consumes the delivery", func(t *testing.T) {
		p, tracker, submit := newQueueFixture(t)
		id := submit(models.TaskKindCollection)

		err := p.runTracked(ctx, id, func(ctx context.Context, report services.ProgressFunc) error {
			return services.ErrCancelled
		})
		if err != nil {
			t.Fatalf("cancelled work should not error the queue job, got %v", err)
		}
		task, err := tracker.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if task.Status != models.TaskStatusFailed || task.Message != "cancelled by request" {
			t.Fatalf("task after cancel: status %q message %q", task.Status, task.Message)
		}
	})

	t.Run("work failure stays on the task, not the queue", func(t *testing.T) {
		p, tracker, submit := newQueueFixture(t)
		id := submit(models.TaskKindIngestion)

		workErr := errors.New("extraction provider offline")
		err := p.runTracked(ctx, id, func(ctx context.Context, report services.ProgressFunc) error {
			return workErr
		})
		if !errors.Is(err, workErr) {
			t.Fatalf("expected work error back, got %v", err)
		}
		if errors.Is(err, asynq.SkipRetry) {
			t.Fatal("work failures must stay retryable at the queue level")
		}
		task, err := tracker.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if task.Status != models.TaskStatusFailed {
			t.Fatalf("status: got %q", task.Status)
		}
	})

	t.Run("redelivery of a terminal task is dropped", func(t *testing.T) {
		p, _, submit := newQueueFixture(t)
		id := submit(models.TaskKindIngestion)

		if err := p.runTracked(ctx, id, func(ctx context.Context, report services.ProgressFunc) error {
			return nil
		}); err != nil {
			t.Fatalf("first delivery: %v", err)
		}

		err := p.runTracked(ctx, id, func(ctx context.Context, report services.ProgressFunc) error {
			t.Fatal("work function must not run on a terminal task")
			return nil
		})
		if err == nil || !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("redelivery must skip retry, got %v", err)
		}
	})
}

func TestHandleBuildReportEndToEnd(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	tracker := services.NewTracker(stores.Tasks)

	blobs, err := blob.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	p := NewTaskProcessor(tracker, nil, nil, services.NewReportService(stores, blobs))

	containerID, err := stores.Containers.Create(ctx, &models.Container{
		Name:    "research",
		OwnerID: primitive.NewObjectID(),
	})
	if err != nil {
		t.Fatalf("create container: %v", err)
	}
	taskID, err := tracker.Submit(ctx, models.TaskKindReport, containerID.Hex(), func(primitive.ObjectID) error { return nil })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	payload, err := json.Marshal(ReportPayload{TaskID: taskID.Hex(), ContainerID: containerID.Hex()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := p.HandleBuildReport(ctx, asynq.NewTask(TaskBuildReport, payload)); err != nil {
		t.Fatalf("handle report: %v", err)
	}

	task, err := tracker.GetStatus(ctx, taskID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("status: got %q message %q", task.Status, task.Message)
	}
	if !strings.HasPrefix(task.Message, "report ready: ") {
		t.Fatalf("message: got %q", task.Message)
	}
	if !strings.HasSuffix(task.Message, ".xlsx") {
		t.Fatalf("report key should be an xlsx blob, got %q", task.Message)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/services"
)

// Task type names, one per tracked background operation.
const (
	TaskIngestDocument  = "ingestion:process"
	TaskRetryEmbeddings = "embeddings:retry"
	TaskRunCollection   = "collection:run"
	TaskBuildReport     = "reports:build"
)

// Queue names by priority. The worker drains critical first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

type IngestPayload struct {
	TaskID     string                 `json:"task_id"`
	DocumentID string                 `json:"document_id"`
	Options    services.IngestOptions `json:"options"`
}

type RetryEmbeddingsPayload struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
	Model      string `json:"model,omitempty"`
}

type CollectionPayload struct {
	TaskID   string `json:"task_id"`
	SourceID string `json:"source_id"`
}

type ReportPayload struct {
	TaskID      string `json:"task_id"`
	ContainerID string `json:"container_id"`
}

// Task creators

func NewIngestDocumentTask(taskID, documentID primitive.ObjectID, opts services.IngestOptions) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestPayload{
		TaskID:     taskID.Hex(),
		DocumentID: documentID.Hex(),
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestDocument,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueCritical),
	), nil
}

func NewRetryEmbeddingsTask(taskID, documentID primitive.ObjectID, model string) (*asynq.Task, error) {
	payload, err := json.Marshal(RetryEmbeddingsPayload{
		TaskID:     taskID.Hex(),
		DocumentID: documentID.Hex(),
		Model:      model,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskRetryEmbeddings,
		payload,
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(QueueDefault),
	), nil
}

func NewRunCollectionTask(taskID, sourceID primitive.ObjectID) (*asynq.Task, error) {
	payload, err := json.Marshal(CollectionPayload{
		TaskID:   taskID.Hex(),
		SourceID: sourceID.Hex(),
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskRunCollection,
		payload,
		asynq.MaxRetry(2),
		asynq.Timeout(30*time.Minute),
		asynq.Queue(QueueLow),
	), nil
}

func NewBuildReportTask(taskID, containerID primitive.ObjectID) (*asynq.Task, error) {
	payload, err := json.Marshal(ReportPayload{
		TaskID:      taskID.Hex(),
		ContainerID: containerID.Hex(),
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskBuildReport,
		payload,
		asynq.MaxRetry(1),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueLow),
	), nil
}

// TaskProcessor holds the handlers the worker registers on its mux. Every
// handler runs its work under the tracker, which owns the task state
// machine and the progress writes.
type TaskProcessor struct {
	tracker    *services.Tracker
	ingestion  *services.IngestionService
	collection *services.CollectionService
	reports    *services.ReportService
}

func NewTaskProcessor(
	tracker *services.Tracker,
	ingestion *services.IngestionService,
	collection *services.CollectionService,
	reports *services.ReportService,
) *TaskProcessor {
	return &TaskProcessor{
		tracker:    tracker,
		ingestion:  ingestion,
		collection: collection,
		reports:    reports,
	}
}

// Register wires the handlers onto the worker mux.
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskIngestDocument, p.HandleIngestDocument)
	mux.HandleFunc(TaskRetryEmbeddings, p.HandleRetryEmbeddings)
	mux.HandleFunc(TaskRunCollection, p.HandleRunCollection)
	mux.HandleFunc(TaskBuildReport, p.HandleBuildReport)
}

func (p *TaskProcessor) HandleIngestDocument(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	taskID, err := parseID(payload.TaskID, "task id")
	if err != nil {
		return err
	}
	documentID, err := parseID(payload.DocumentID, "document id")
	if err != nil {
		return err
	}

	return p.runTracked(ctx, taskID, func(ctx context.Context, report services.ProgressFunc) error {
		return p.ingestion.ProcessDocument(ctx, documentID, payload.Options, report)
	})
}

func (p *TaskProcessor) HandleRetryEmbeddings(ctx context.Context, t *asynq.Task) error {
	var payload RetryEmbeddingsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	taskID, err := parseID(payload.TaskID, "task id")
	if err != nil {
		return err
	}
	documentID, err := parseID(payload.DocumentID, "document id")
	if err != nil {
		return err
	}

	return p.runTracked(ctx, taskID, func(ctx context.Context, report services.ProgressFunc) error {
		return p.ingestion.RetryEmbeddings(ctx, documentID, payload.Model, report)
	})
}

func (p *TaskProcessor) HandleRunCollection(ctx context.Context, t *asynq.Task) error {
	var payload CollectionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	taskID, err := parseID(payload.TaskID, "task id")
	if err != nil {
		return err
	}
	sourceID, err := parseID(payload.SourceID, "source id")
	if err != nil {
		return err
	}

	return p.runTracked(ctx, taskID, func(ctx context.Context, report services.ProgressFunc) error {
		_, err := p.collection.Run(ctx, sourceID, report)
		return err
	})
}

func (p *TaskProcessor) HandleBuildReport(ctx context.Context, t *asynq.Task) error {
	var payload ReportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	taskID, err := parseID(payload.TaskID, "task id")
	if err != nil {
		return err
	}
	containerID, err := parseID(payload.ContainerID, "container id")
	if err != nil {
		return err
	}

	return p.runTracked(ctx, taskID, func(ctx context.Context, report services.ProgressFunc) error {
		_, err := p.reports.Run(ctx, containerID, report)
		return err
	})
}

// runTracked maps tracker outcomes onto asynq retry semantics. A work
// failure is already recorded on the task, so a redelivery hits the
// not-pending guard and is dropped; only failures before the task started
// stay retryable.
func (p *TaskProcessor) runTracked(ctx context.Context, taskID primitive.ObjectID, workFn services.WorkFunc) error {
	err := p.tracker.Run(ctx, taskID, workFn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrCancelled):
		// Recorded on the task; the queue job itself is done.
		return nil
	case errors.Is(err, services.ErrPreconditionFailed):
		logger.Warn("dropping task delivery", "task_id", taskID.Hex(), "reason", err.Error())
		return fmt.Errorf("task %s not runnable: %v: %w", taskID.Hex(), err, asynq.SkipRetry)
	default:
		return err
	}
}

func parseID(hex, what string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid %s %q: %w", what, hex, asynq.SkipRetry)
	}
	return id, nil
}

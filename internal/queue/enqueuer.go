package queue

import (
	"context"

	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/models"
	"saas-knowledge-platform/services"
)

// Enqueuer pairs tracker submission with queue placement: every schedule
// call creates a pending BackgroundTask and enqueues the matching asynq
// task, so callers get an id they can poll immediately. Implements the
// scheduler interfaces the services define.
type Enqueuer struct {
	client  *asynq.Client
	tracker *services.Tracker
}

var (
	_ services.IngestScheduler     = (*Enqueuer)(nil)
	_ services.CollectionScheduler = (*Enqueuer)(nil)
)

func NewEnqueuer(client *asynq.Client, tracker *services.Tracker) *Enqueuer {
	return &Enqueuer{client: client, tracker: tracker}
}

// ScheduleIngestion starts a tracked ingestion run with default options.
func (e *Enqueuer) ScheduleIngestion(ctx context.Context, documentID primitive.ObjectID) (primitive.ObjectID, error) {
	return e.ScheduleIngestionWithOptions(ctx, documentID, services.IngestOptions{})
}

// ScheduleIngestionWithOptions starts a tracked ingestion run with caller
// overrides for provider, strategy, chunk params, and embedding model.
func (e *Enqueuer) ScheduleIngestionWithOptions(ctx context.Context, documentID primitive.ObjectID, opts services.IngestOptions) (primitive.ObjectID, error) {
	return e.tracker.Submit(ctx, models.TaskKindIngestion, documentID.Hex(), func(taskID primitive.ObjectID) error {
		task, err := NewIngestDocumentTask(taskID, documentID, opts)
		if err != nil {
			return err
		}
		_, err = e.client.Enqueue(task)
		return err
	})
}

// ScheduleRetryEmbeddings starts a tracked re-embed of the chunks that have
// no stored vector for the model.
func (e *Enqueuer) ScheduleRetryEmbeddings(ctx context.Context, documentID primitive.ObjectID, model string) (primitive.ObjectID, error) {
	return e.tracker.Submit(ctx, models.TaskKindIngestion, documentID.Hex(), func(taskID primitive.ObjectID) error {
		task, err := NewRetryEmbeddingsTask(taskID, documentID, model)
		if err != nil {
			return err
		}
		_, err = e.client.Enqueue(task)
		return err
	})
}

// ScheduleCollection starts a tracked collection run for a source.
func (e *Enqueuer) ScheduleCollection(ctx context.Context, sourceID primitive.ObjectID) (primitive.ObjectID, error) {
	return e.tracker.Submit(ctx, models.TaskKindCollection, sourceID.Hex(), func(taskID primitive.ObjectID) error {
		task, err := NewRunCollectionTask(taskID, sourceID)
		if err != nil {
			return err
		}
		_, err = e.client.Enqueue(task)
		return err
	})
}

// ScheduleReport starts a tracked ingestion report build for a container.
func (e *Enqueuer) ScheduleReport(ctx context.Context, containerID primitive.ObjectID) (primitive.ObjectID, error) {
	return e.tracker.Submit(ctx, models.TaskKindReport, containerID.Hex(), func(taskID primitive.ObjectID) error {
		task, err := NewBuildReportTask(taskID, containerID)
		if err != nil {
			return err
		}
		_, err = e.client.Enqueue(task)
		return err
	})
}

package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

type TaskStore struct {
	col *mongo.Collection
}

var _ store.TaskStore = (*TaskStore)(nil)

func NewTaskStore(db *mongo.Database) *TaskStore {
	return &TaskStore{col: db.Collection("background_tasks")}
}

func (s *TaskStore) Create(ctx context.Context, task *models.BackgroundTask) (primitive.ObjectID, error) {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	result, err := s.col.InsertOne(ctx, task)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err)
	}
	id := result.InsertedID.(primitive.ObjectID)
	task.ID = id
	return id, nil
}

func (s *TaskStore) Get(ctx context.Context, id primitive.ObjectID) (*models.BackgroundTask, error) {
	var task models.BackgroundTask
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&task); err != nil {
		return nil, wrapErr(err)
	}
	return &task, nil
}

func (s *TaskStore) MarkRunning(ctx context.Context, id primitive.ObjectID) error {
	filter := bson.M{"_id": id, "status": models.TaskStatusPending}
	update := bson.M{"$set": bson.M{
		"status":     models.TaskStatusRunning,
		"updated_at": time.Now(),
	}}
	return s.guardedUpdate(ctx, id, filter, update)
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id primitive.ObjectID, u models.ProgressUpdate) error {
	set := bson.M{
		"progress_current": u.Current,
		"progress_total":   u.Total,
		"collected":        u.Collected,
		"errors":           u.Errors,
		"updated_at":       time.Now(),
	}
	if u.Message != "" {
		set["message"] = u.Message
	}
	filter := bson.M{"_id": id, "status": models.TaskStatusRunning}
	return s.guardedUpdate(ctx, id, filter, bson.M{"$set": set})
}

func (s *TaskStore) Complete(ctx context.Context, id primitive.ObjectID, status string, u models.ProgressUpdate) error {
	now := time.Now()
	set := bson.M{
		"status":           status,
		"progress_current": u.Current,
		"progress_total":   u.Total,
		"collected":        u.Collected,
		"errors":           u.Errors,
		"updated_at":       now,
		"completed_at":     now,
	}
	if u.Message != "" {
		set["message"] = u.Message
	}
	filter := bson.M{"_id": id, "status": bson.M{
		"$in": []string{models.TaskStatusPending, models.TaskStatusRunning},
	}}
	return s.guardedUpdate(ctx, id, filter, bson.M{"$set": set})
}

func (s *TaskStore) RequestCancel(ctx context.Context, id primitive.ObjectID) error {
	filter := bson.M{"_id": id, "status": bson.M{
		"$in": []string{models.TaskStatusPending, models.TaskStatusRunning},
	}}
	update := bson.M{"$set": bson.M{
		"cancel_requested": true,
		"updated_at":       time.Now(),
	}}
	return s.guardedUpdate(ctx, id, filter, update)
}

// guardedUpdate applies a status-guarded update and distinguishes a missing
// task from a stale one when nothing matched.
func (s *TaskStore) guardedUpdate(ctx context.Context, id primitive.ObjectID, filter, update bson.M) error {
	result, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapErr(err)
	}
	if result.MatchedCount == 0 {
		count, err := s.col.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return wrapErr(err)
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrStaleUpdate
	}
	return nil
}

func (s *TaskStore) IsCancelRequested(ctx context.Context, id primitive.ObjectID) (bool, error) {
	opts := options.FindOne().SetProjection(bson.M{"cancel_requested": 1})
	var row struct {
		CancelRequested bool `bson:"cancel_requested"`
	}
	if err := s.col.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&row); err != nil {
		return false, wrapErr(err)
	}
	return row.CancelRequested, nil
}

func (s *TaskStore) List(ctx context.Context, status string, limit int64) ([]models.BackgroundTask, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var tasks []models.BackgroundTask
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, wrapErr(err)
	}
	return tasks, nil
}

func (s *TaskStore) PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"status":       bson.M{"$in": []string{models.TaskStatusCompleted, models.TaskStatusFailed}},
		"completed_at": bson.M{"$lt": cutoff},
	}
	result, err := s.col.DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapErr(err)
	}
	return result.DeletedCount, nil
}

func (s *TaskStore) FailStaleRunning(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	now := time.Now()
	filter := bson.M{
		"status":     models.TaskStatusRunning,
		"updated_at": bson.M{"$lt": cutoff},
	}
	update := bson.M{"$set": bson.M{
		"status":       models.TaskStatusFailed,
		"message":      message,
		"updated_at":   now,
		"completed_at": now,
	}}
	result, err := s.col.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, wrapErr(err)
	}
	return result.ModifiedCount, nil
}

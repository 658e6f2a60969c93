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

type SourceStore struct {
	col *mongo.Collection
}

var _ store.SourceStore = (*SourceStore)(nil)

func NewSourceStore(db *mongo.Database) *SourceStore {
	return &SourceStore{col: db.Collection("collection_sources")}
}

func (s *SourceStore) Create(ctx context.Context, source *models.CollectionSource) (primitive.ObjectID, error) {
	now := time.Now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	source.UpdatedAt = now
	result, err := s.col.InsertOne(ctx, source)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err)
	}
	id := result.InsertedID.(primitive.ObjectID)
	source.ID = id
	return id, nil
}

func (s *SourceStore) Get(ctx context.Context, id primitive.ObjectID) (*models.CollectionSource, error) {
	var source models.CollectionSource
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&source); err != nil {
		return nil, wrapErr(err)
	}
	return &source, nil
}

func (s *SourceStore) List(ctx context.Context, containerID primitive.ObjectID) ([]models.CollectionSource, error) {
	filter := bson.M{}
	if !containerID.IsZero() {
		filter["container_id"] = containerID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var sources []models.CollectionSource
	if err := cursor.All(ctx, &sources); err != nil {
		return nil, wrapErr(err)
	}
	return sources, nil
}

func (s *SourceStore) ListScheduled(ctx context.Context) ([]models.CollectionSource, error) {
	filter := bson.M{
		"enabled":  true,
		"schedule": bson.M{"$exists": true, "$ne": ""},
	}
	cursor, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var sources []models.CollectionSource
	if err := cursor.All(ctx, &sources); err != nil {
		return nil, wrapErr(err)
	}
	return sources, nil
}

// Update rewrites the editable fields; creation metadata and run history
// are never touched here.
func (s *SourceStore) Update(ctx context.Context, source *models.CollectionSource) error {
	update := bson.M{"$set": bson.M{
		"name":             source.Name,
		"base_url":         source.BaseURL,
		"allowed_domains":  source.AllowedDomains,
		"allowed_paths":    source.AllowedPaths,
		"content_selector": source.ContentSelector,
		"max_pages":        source.MaxPages,
		"max_depth":        source.MaxDepth,
		"follow_links":     source.FollowLinks,
		"respect_robots":   source.RespectRobots,
		"render_js":        source.RenderJS,
		"schedule":         source.Schedule,
		"enabled":          source.Enabled,
		"updated_at":       time.Now(),
	}}
	result, err := s.col.UpdateOne(ctx, bson.M{"_id": source.ID}, update)
	if err != nil {
		return wrapErr(err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SourceStore) RecordRun(ctx context.Context, id, taskID primitive.ObjectID, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"last_run_at":      at,
		"last_run_task_id": taskID.Hex(),
		"updated_at":       time.Now(),
	}}
	result, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return wrapErr(err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SourceStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := s.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapErr(err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

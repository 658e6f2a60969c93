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

type DocumentStore struct {
	col *mongo.Collection
}

var _ store.DocumentStore = (*DocumentStore)(nil)

func NewDocumentStore(db *mongo.Database) *DocumentStore {
	return &DocumentStore{col: db.Collection("documents")}
}

func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) (primitive.ObjectID, error) {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	result, err := s.col.InsertOne(ctx, doc)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err)
	}
	id := result.InsertedID.(primitive.ObjectID)
	doc.ID = id
	return id, nil
}

func (s *DocumentStore) Get(ctx context.Context, id primitive.ObjectID) (*models.Document, error) {
	var doc models.Document
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &doc, nil
}

func (s *DocumentStore) FindByContentHash(ctx context.Context, containerID primitive.ObjectID, hash string) (*models.Document, error) {
	filter := bson.M{"container_id": containerID, "content_hash": hash}
	opts := options.FindOne().SetSort(bson.D{{Key: "uploaded_at", Value: 1}, {Key: "_id", Value: 1}})

	var doc models.Document
	if err := s.col.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		return nil, wrapErr(err)
	}
	return &doc, nil
}

func (s *DocumentStore) FindBySourceURL(ctx context.Context, containerID primitive.ObjectID, sourceURL string) (*models.Document, error) {
	filter := bson.M{"container_id": containerID, "source_url": sourceURL}
	opts := options.FindOne().SetSort(bson.D{{Key: "uploaded_at", Value: 1}, {Key: "_id", Value: 1}})

	var doc models.Document
	if err := s.col.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		return nil, wrapErr(err)
	}
	return &doc, nil
}

func (s *DocumentStore) UpdateStatus(ctx context.Context, id primitive.ObjectID, status, errorMessage string) error {
	update := bson.M{"$set": bson.M{
		"status":        status,
		"error_message": errorMessage,
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

func (s *DocumentStore) MarkProcessed(ctx context.Context, id primitive.ObjectID, pageCount int) error {
	update := bson.M{"$set": bson.M{
		"status":        models.StatusCompleted,
		"error_message": "",
		"page_count":    pageCount,
		"processed_at":  time.Now(),
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

func (s *DocumentStore) ListByContainer(ctx context.Context, containerID primitive.ObjectID, limit, offset int64) ([]models.Document, int64, error) {
	filter := bson.M{"container_id": containerID}

	total, err := s.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, wrapErr(err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "uploaded_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(offset)
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var docs []models.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, wrapErr(err)
	}
	return docs, total, nil
}

func (s *DocumentStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := s.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapErr(err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

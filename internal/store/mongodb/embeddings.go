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

type EmbeddingStore struct {
	col *mongo.Collection
}

var _ store.EmbeddingStore = (*EmbeddingStore)(nil)

func NewEmbeddingStore(db *mongo.Database) *EmbeddingStore {
	return &EmbeddingStore{col: db.Collection("embeddings")}
}

// Upsert replaces the row for (chunk_id, model) in a single write; the
// unique index makes concurrent upserts converge on one row.
func (s *EmbeddingStore) Upsert(ctx context.Context, embedding *models.Embedding) error {
	if embedding.CreatedAt.IsZero() {
		embedding.CreatedAt = time.Now()
	}
	filter := bson.M{"chunk_id": embedding.ChunkID, "model": embedding.Model}
	doc := bson.M{
		"chunk_id":    embedding.ChunkID,
		"document_id": embedding.DocumentID,
		"model":       embedding.Model,
		"modality":    embedding.Modality,
		"dimension":   embedding.Dimension,
		"vector":      embedding.Vector,
		"norm":        embedding.Norm,
		"created_at":  embedding.CreatedAt,
	}
	result, err := s.col.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapErr(err)
	}
	if oid, ok := result.UpsertedID.(primitive.ObjectID); ok {
		embedding.ID = oid
	}
	return nil
}

func (s *EmbeddingStore) GetByChunks(ctx context.Context, chunkIDs []primitive.ObjectID, model string) ([]models.Embedding, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	filter := bson.M{"chunk_id": bson.M{"$in": chunkIDs}, "model": model}
	cursor, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var embeddings []models.Embedding
	if err := cursor.All(ctx, &embeddings); err != nil {
		return nil, wrapErr(err)
	}
	return embeddings, nil
}

func (s *EmbeddingStore) ListByDocument(ctx context.Context, documentID primitive.ObjectID, model string) ([]models.Embedding, error) {
	filter := bson.M{"document_id": documentID}
	if model != "" {
		filter["model"] = model
	}
	cursor, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var embeddings []models.Embedding
	if err := cursor.All(ctx, &embeddings); err != nil {
		return nil, wrapErr(err)
	}
	return embeddings, nil
}

func (s *EmbeddingStore) DeleteByChunks(ctx context.Context, chunkIDs []primitive.ObjectID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.col.DeleteMany(ctx, bson.M{"chunk_id": bson.M{"$in": chunkIDs}})
	return wrapErr(err)
}

func (s *EmbeddingStore) DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) error {
	_, err := s.col.DeleteMany(ctx, bson.M{"document_id": documentID})
	return wrapErr(err)
}

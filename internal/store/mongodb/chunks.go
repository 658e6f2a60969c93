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

type ChunkStore struct {
	sessions *mongo.Collection
	chunks   *mongo.Collection
}

var _ store.ChunkStore = (*ChunkStore)(nil)

func NewChunkStore(db *mongo.Database) *ChunkStore {
	return &ChunkStore{
		sessions: db.Collection("chunk_sessions"),
		chunks:   db.Collection("chunks"),
	}
}

func (s *ChunkStore) CreateSession(ctx context.Context, session *models.ChunkSession) (primitive.ObjectID, error) {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	if session.Status == "" {
		session.Status = models.ChunkStatusRunning
	}
	result, err := s.sessions.InsertOne(ctx, session)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err)
	}
	id := result.InsertedID.(primitive.ObjectID)
	session.ID = id
	return id, nil
}

func (s *ChunkStore) GetSession(ctx context.Context, id primitive.ObjectID) (*models.ChunkSession, error) {
	var session models.ChunkSession
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&session); err != nil {
		return nil, wrapErr(err)
	}
	return &session, nil
}

func (s *ChunkStore) LatestSuccessfulSession(ctx context.Context, documentID primitive.ObjectID) (*models.ChunkSession, error) {
	filter := bson.M{"document_id": documentID, "status": models.ChunkStatusSuccess}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})

	var session models.ChunkSession
	if err := s.sessions.FindOne(ctx, filter, opts).Decode(&session); err != nil {
		return nil, wrapErr(err)
	}
	return &session, nil
}

func (s *ChunkStore) ListSessions(ctx context.Context, documentID primitive.ObjectID) ([]models.ChunkSession, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.sessions.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var sessions []models.ChunkSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, wrapErr(err)
	}
	return sessions, nil
}

func (s *ChunkStore) CompleteSession(ctx context.Context, id primitive.ObjectID, status string, chunkCount int, errorMessage string) error {
	filter := bson.M{"_id": id, "status": models.ChunkStatusRunning}
	update := bson.M{"$set": bson.M{
		"status":        status,
		"chunk_count":   chunkCount,
		"error_message": errorMessage,
		"completed_at":  time.Now(),
	}}
	result, err := s.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapErr(err)
	}
	if result.MatchedCount == 0 {
		count, err := s.sessions.CountDocuments(ctx, bson.M{"_id": id})
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

func (s *ChunkStore) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]interface{}, len(chunks))
	for i := range chunks {
		if chunks[i].CreatedAt.IsZero() {
			chunks[i].CreatedAt = time.Now()
		}
		docs[i] = chunks[i]
	}
	result, err := s.chunks.InsertMany(ctx, docs)
	if err != nil {
		return wrapErr(err)
	}
	for i, inserted := range result.InsertedIDs {
		if oid, ok := inserted.(primitive.ObjectID); ok && i < len(chunks) {
			chunks[i].ID = oid
		}
	}
	return nil
}

func (s *ChunkStore) ListChunks(ctx context.Context, sessionID primitive.ObjectID) ([]models.Chunk, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}})
	cursor, err := s.chunks.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, wrapErr(err)
	}
	return chunks, nil
}

func (s *ChunkStore) GetChunks(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.chunks.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, wrapErr(err)
	}
	return chunks, nil
}

func (s *ChunkStore) DeleteSession(ctx context.Context, id primitive.ObjectID) ([]primitive.ObjectID, error) {
	result, err := s.sessions.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, wrapErr(err)
	}
	if result.DeletedCount == 0 {
		return nil, store.ErrNotFound
	}
	return s.removeChunks(ctx, bson.M{"session_id": id})
}

func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) ([]primitive.ObjectID, error) {
	if _, err := s.sessions.DeleteMany(ctx, bson.M{"document_id": documentID}); err != nil {
		return nil, wrapErr(err)
	}
	return s.removeChunks(ctx, bson.M{"document_id": documentID})
}

// removeChunks deletes chunks matching the filter and returns their ids so
// the caller can cascade embeddings.
func (s *ChunkStore) removeChunks(ctx context.Context, filter bson.M) ([]primitive.ObjectID, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := s.chunks.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, wrapErr(err)
	}
	ids := make([]primitive.ObjectID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if len(ids) > 0 {
		if _, err := s.chunks.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
			return nil, wrapErr(err)
		}
	}
	return ids, nil
}

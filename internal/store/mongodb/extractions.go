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

type ExtractionStore struct {
	sessions *mongo.Collection
	objects  *mongo.Collection
}

var _ store.ExtractionStore = (*ExtractionStore)(nil)

func NewExtractionStore(db *mongo.Database) *ExtractionStore {
	return &ExtractionStore{
		sessions: db.Collection("extraction_sessions"),
		objects:  db.Collection("extracted_objects"),
	}
}

func (s *ExtractionStore) CreateSession(ctx context.Context, session *models.ExtractionSession) (primitive.ObjectID, error) {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	if session.Status == "" {
		session.Status = models.ExtractionStatusRunning
	}
	result, err := s.sessions.InsertOne(ctx, session)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err)
	}
	id := result.InsertedID.(primitive.ObjectID)
	session.ID = id
	return id, nil
}

func (s *ExtractionStore) GetSession(ctx context.Context, id primitive.ObjectID) (*models.ExtractionSession, error) {
	var session models.ExtractionSession
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&session); err != nil {
		return nil, wrapErr(err)
	}
	return &session, nil
}

func (s *ExtractionStore) FindActiveSession(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionSession, error) {
	filter := bson.M{"document_id": documentID, "status": models.ExtractionStatusRunning}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})

	var session models.ExtractionSession
	if err := s.sessions.FindOne(ctx, filter, opts).Decode(&session); err != nil {
		return nil, wrapErr(err)
	}
	return &session, nil
}

func (s *ExtractionStore) LatestSession(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionSession, error) {
	filter := bson.M{"document_id": documentID}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})

	var session models.ExtractionSession
	if err := s.sessions.FindOne(ctx, filter, opts).Decode(&session); err != nil {
		return nil, wrapErr(err)
	}
	return &session, nil
}

func (s *ExtractionStore) ListSessions(ctx context.Context, documentID primitive.ObjectID) ([]models.ExtractionSession, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.sessions.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var sessions []models.ExtractionSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, wrapErr(err)
	}
	return sessions, nil
}

func (s *ExtractionStore) CompleteSession(ctx context.Context, id primitive.ObjectID, status string, pageCount, objectCount int, errorMessage string) error {
	filter := bson.M{"_id": id, "status": models.ExtractionStatusRunning}
	update := bson.M{"$set": bson.M{
		"status":        status,
		"page_count":    pageCount,
		"object_count":  objectCount,
		"error_message": errorMessage,
		"completed_at":  time.Now(),
	}}
	result, err := s.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapErr(err)
	}
	if result.MatchedCount == 0 {
		// Distinguish a missing session from one already terminal.
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

func (s *ExtractionStore) InsertObjects(ctx context.Context, objects []models.ExtractedObject) error {
	if len(objects) == 0 {
		return nil
	}
	docs := make([]interface{}, len(objects))
	for i := range objects {
		if objects[i].CreatedAt.IsZero() {
			objects[i].CreatedAt = time.Now()
		}
		docs[i] = objects[i]
	}
	result, err := s.objects.InsertMany(ctx, docs)
	if err != nil {
		return wrapErr(err)
	}
	for i, inserted := range result.InsertedIDs {
		if oid, ok := inserted.(primitive.ObjectID); ok && i < len(objects) {
			objects[i].ID = oid
		}
	}
	return nil
}

func (s *ExtractionStore) FindObjectByHash(ctx context.Context, documentID primitive.ObjectID, hash string) (*models.ExtractedObject, error) {
	filter := bson.M{"document_id": documentID, "content_hash": hash}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})

	var obj models.ExtractedObject
	if err := s.objects.FindOne(ctx, filter, opts).Decode(&obj); err != nil {
		return nil, wrapErr(err)
	}
	return &obj, nil
}

func (s *ExtractionStore) ListObjects(ctx context.Context, sessionID primitive.ObjectID) ([]models.ExtractedObject, error) {
	opts := options.Find().SetSort(bson.D{{Key: "page", Value: 1}, {Key: "sequence", Value: 1}})
	cursor, err := s.objects.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var objects []models.ExtractedObject
	if err := cursor.All(ctx, &objects); err != nil {
		return nil, wrapErr(err)
	}
	return objects, nil
}

func (s *ExtractionStore) GetObjects(ctx context.Context, ids []primitive.ObjectID) ([]models.ExtractedObject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.objects.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var objects []models.ExtractedObject
	if err := cursor.All(ctx, &objects); err != nil {
		return nil, wrapErr(err)
	}
	return objects, nil
}

func (s *ExtractionStore) DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) error {
	filter := bson.M{"document_id": documentID}
	if _, err := s.objects.DeleteMany(ctx, filter); err != nil {
		return wrapErr(err)
	}
	if _, err := s.sessions.DeleteMany(ctx, filter); err != nil {
		return wrapErr(err)
	}
	return nil
}

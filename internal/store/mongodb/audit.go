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

// AuditStore persists the hash-chained audit trail. Appends read the tail
// hash and then insert; the audit middleware serializes appends through a
// single writer goroutine, so the read-then-insert pair is not racy in
// practice.
type AuditStore struct {
	col *mongo.Collection
}

var _ store.AuditStore = (*AuditStore)(nil)

func NewAuditStore(db *mongo.Database) *AuditStore {
	return &AuditStore{col: db.Collection("audit_logs")}
}

func (s *AuditStore) Append(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = primitive.NewObjectID().Hex()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	last, err := s.tail(ctx)
	if err != nil {
		return err
	}
	event.PreviousHash = last
	event.CurrentHash = event.ComputeHash()

	_, err = s.col.InsertOne(ctx, event)
	return wrapErr(err)
}

// tail returns the hash of the most recently appended event, or "" for an
// empty chain.
func (s *AuditStore) tail(ctx context.Context) (string, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetProjection(bson.M{"current_hash": 1})

	var row struct {
		CurrentHash string `bson:"current_hash"`
	}
	err := s.col.FindOne(ctx, bson.M{}, opts).Decode(&row)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", wrapErr(err)
	}
	return row.CurrentHash, nil
}

func (s *AuditStore) Query(ctx context.Context, filter store.AuditFilter) ([]models.AuditEvent, int64, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		query["action"] = filter.Action
	}
	if filter.Resource != "" {
		query["resource"] = filter.Resource
	}
	timeRange := bson.M{}
	if !filter.Since.IsZero() {
		timeRange["$gte"] = filter.Since
	}
	if !filter.Until.IsZero() {
		timeRange["$lte"] = filter.Until
	}
	if len(timeRange) > 0 {
		query["timestamp"] = timeRange
	}

	total, err := s.col.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, wrapErr(err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(filter.Offset)
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	cursor, err := s.col.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var events []models.AuditEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, 0, wrapErr(err)
	}
	return events, total, nil
}

func (s *AuditStore) VerifyChain(ctx context.Context) (int64, *models.AuditEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return 0, nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var checked int64
	prev := ""
	for cursor.Next(ctx) {
		var event models.AuditEvent
		if err := cursor.Decode(&event); err != nil {
			return checked, nil, wrapErr(err)
		}
		if event.PreviousHash != prev || event.ComputeHash() != event.CurrentHash {
			return checked, &event, nil
		}
		prev = event.CurrentHash
		checked++
	}
	if err := cursor.Err(); err != nil {
		return checked, nil, wrapErr(err)
	}
	return checked, nil, nil
}

package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

type SettingsStore struct {
	col *mongo.Collection
}

var _ store.SettingsStore = (*SettingsStore)(nil)

func NewSettingsStore(db *mongo.Database) *SettingsStore {
	return &SettingsStore{col: db.Collection("settings")}
}

func (s *SettingsStore) GetRetrieval(ctx context.Context) (*models.RetrievalSettings, error) {
	var settings models.RetrievalSettings
	err := s.col.FindOne(ctx, bson.M{"_id": models.SettingsID}).Decode(&settings)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &settings, nil
}

func (s *SettingsStore) PutRetrieval(ctx context.Context, settings *models.RetrievalSettings) error {
	settings.ID = models.SettingsID
	settings.UpdatedAt = time.Now()
	filter := bson.M{"_id": models.SettingsID}
	_, err := s.col.ReplaceOne(ctx, filter, settings, options.Replace().SetUpsert(true))
	return wrapErr(err)
}

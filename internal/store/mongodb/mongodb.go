// Package mongodb backs the store interfaces with MongoDB collections.
// Uniqueness is enforced by the indexes created in internal/config; errors
// from the driver are mapped onto the store sentinels here.
package mongodb

import (
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"saas-knowledge-platform/internal/store"
)

// NewStores builds the complete MongoDB-backed store bundle.
func NewStores(db *mongo.Database) store.Stores {
	return store.Stores{
		Documents:   NewDocumentStore(db),
		Extractions: NewExtractionStore(db),
		Chunks:      NewChunkStore(db),
		Embeddings:  NewEmbeddingStore(db),
		Tasks:       NewTaskStore(db),
		Containers:  NewContainerStore(db),
		Sources:     NewSourceStore(db),
		Users:       NewUserStore(db),
		Settings:    NewSettingsStore(db),
		Audit:       NewAuditStore(db),
	}
}

// wrapErr maps driver errors onto the store sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

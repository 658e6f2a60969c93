package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	// Create indexes
	err = CreateIndexes(client, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %v", err)
	}

	if err := EnsureSearchIndexes(ctx, client, cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure search indexes: %v", err)
	}

	return client, nil
}

// CreateIndexes ensures every index the pipeline relies on for correctness:
// ordered object walks, the (chunk, model) uniqueness invariant, and the
// lookups retrieval and polling hit constantly. Safe to call repeatedly.
func CreateIndexes(client *mongo.Client, dbName string) error {
	db := client.Database(dbName)

	// Users collection indexes
	usersCollection := db.Collection("users")
	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	_, err := usersCollection.Indexes().CreateMany(context.Background(), userIndexes)
	if err != nil {
		return err
	}

	// Documents collection indexes
	documentsCollection := db.Collection("documents")
	documentIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "container_id", Value: 1}}},
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "container_id", Value: 1}, {Key: "filename", Value: 1}}},
		{Keys: bson.D{{Key: "container_id", Value: 1}, {Key: "source_url", Value: 1}}},
		{Keys: bson.D{{Key: "uploaded_at", Value: -1}}},
	}
	_, err = documentsCollection.Indexes().CreateMany(context.Background(), documentIndexes)
	if err != nil {
		return err
	}

	// Extraction sessions: one-non-terminal lookup and status filters
	sessionsCollection := db.Collection("extraction_sessions")
	sessionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	}
	_, err = sessionsCollection.Indexes().CreateMany(context.Background(), sessionIndexes)
	if err != nil {
		return err
	}

	// Extracted objects: ordered walks and hash dedup
	objectsCollection := db.Collection("extracted_objects")
	objectIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "page", Value: 1}, {Key: "sequence", Value: 1}}},
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "content_hash", Value: 1}}},
	}
	_, err = objectsCollection.Indexes().CreateMany(context.Background(), objectIndexes)
	if err != nil {
		return err
	}

	// Chunk sessions: per-file strategy lookups
	chunkSessionsCollection := db.Collection("chunk_sessions")
	chunkSessionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "strategy", Value: 1}}},
		{Keys: bson.D{{Key: "extraction_id", Value: 1}}},
	}
	_, err = chunkSessionsCollection.Indexes().CreateMany(context.Background(), chunkSessionIndexes)
	if err != nil {
		return err
	}

	// Chunks: ordinal walks and per-file scans
	chunksCollection := db.Collection("chunks")
	chunkIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "ordinal", Value: 1}}},
		{Keys: bson.D{{Key: "document_id", Value: 1}}},
	}
	_, err = chunksCollection.Indexes().CreateMany(context.Background(), chunkIndexes)
	if err != nil {
		return err
	}

	// Embeddings: the (chunk, model) uniqueness invariant lives here
	embeddingsCollection := db.Collection("embeddings")
	embeddingIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chunk_id", Value: 1}, {Key: "model", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "document_id", Value: 1}}},
	}
	_, err = embeddingsCollection.Indexes().CreateMany(context.Background(), embeddingIndexes)
	if err != nil {
		return err
	}

	// Background tasks: poll lookups, stale sweep, retention purge
	tasksCollection := db.Collection("background_tasks")
	taskIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "completed_at", Value: 1}}},
	}
	_, err = tasksCollection.Indexes().CreateMany(context.Background(), taskIndexes)
	if err != nil {
		return err
	}

	// Container permissions: authorization reads
	permissionsCollection := db.Collection("container_permissions")
	permissionIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "container_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	}
	_, err = permissionsCollection.Indexes().CreateMany(context.Background(), permissionIndexes)
	if err != nil {
		return err
	}

	// Collection sources
	sourcesCollection := db.Collection("collection_sources")
	sourceIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "container_id", Value: 1}}},
		{Keys: bson.D{{Key: "enabled", Value: 1}}},
	}
	_, err = sourcesCollection.Indexes().CreateMany(context.Background(), sourceIndexes)
	if err != nil {
		return err
	}

	// Audit logs
	auditCollection := db.Collection("audit_logs")
	auditIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "resource", Value: 1}, {Key: "resource_id", Value: 1}}},
	}
	_, err = auditCollection.Indexes().CreateMany(context.Background(), auditIndexes)
	if err != nil {
		return err
	}

	return nil
}

// EnsureSearchIndexes provisions Atlas Search and Vector Search indexes when
// the deployment opts in. In-process scoring stays the portable default, so
// non-Atlas deployments keep both flags off and never reach these commands.
// Safe to call repeatedly: existing indexes are left alone.
func EnsureSearchIndexes(ctx context.Context, client *mongo.Client, cfg *Config) error {
	if !cfg.AtlasTextSearchEnabled && !cfg.VectorSearchEnabled {
		return nil
	}
	db := client.Database(cfg.DBName)

	if cfg.AtlasTextSearchEnabled {
		definition := bson.M{
			"mappings": bson.M{
				"dynamic": false,
				"fields": bson.M{
					"text":            bson.M{"type": "string"},
					"section_heading": bson.M{"type": "string"},
				},
			},
		}
		if err := ensureSearchIndex(ctx, db.Collection("chunks"), cfg.SearchIndexName, "search", definition); err != nil {
			return fmt.Errorf("text search index %q: %w", cfg.SearchIndexName, err)
		}
	}

	if cfg.VectorSearchEnabled {
		definition := bson.M{
			"fields": []bson.M{
				{"type": "vector", "path": "vector", "numDimensions": cfg.VectorDimensions, "similarity": "cosine"},
				{"type": "filter", "path": "document_id"},
				{"type": "filter", "path": "model"},
			},
		}
		if err := ensureSearchIndex(ctx, db.Collection("embeddings"), cfg.VectorIndexName, "vectorSearch", definition); err != nil {
			return fmt.Errorf("vector search index %q: %w", cfg.VectorIndexName, err)
		}
	}
	return nil
}

func ensureSearchIndex(ctx context.Context, coll *mongo.Collection, name, indexType string, definition interface{}) error {
	view := coll.SearchIndexes()

	cursor, err := view.List(ctx, options.SearchIndexes().SetName(name))
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	if cursor.Next(ctx) {
		return nil
	}

	_, err = view.CreateOne(ctx, mongo.SearchIndexModel{
		Definition: definition,
		Options:    options.SearchIndexes().SetName(name).SetType(indexType),
	})
	return err
}

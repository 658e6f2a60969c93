package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"saas-knowledge-platform/internal/config"
)

// Ensures every MongoDB index the platform relies on. The API server runs
// the same routine on startup; this binary exists for deployments where
// schema changes are applied as a separate step before rollout.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}

	fmt.Printf("Ensuring indexes on database %q...\n", cfg.DBName)
	if err := config.CreateIndexes(client, cfg.DBName); err != nil {
		log.Fatalf("Index creation failed: %v", err)
	}
	if err := config.EnsureSearchIndexes(ctx, client, cfg); err != nil {
		log.Fatalf("Search index creation failed: %v", err)
	}
	fmt.Println("All indexes ensured.")
}

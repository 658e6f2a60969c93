package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/store/mongodb"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"
)

// Creates the initial superadmin account. There is no self-registration:
// every other user is provisioned by an admin through the API, and this
// binary bootstraps the first one.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	users := mongodb.NewStores(mongoClient.Database(cfg.DBName)).Users

	username := envOr("SUPERADMIN_USERNAME", "superadmin")
	email := envOr("SUPERADMIN_EMAIL", "superadmin@example.com")
	password := os.Getenv("SUPERADMIN_PASSWORD")
	if password == "" {
		log.Fatal("SUPERADMIN_PASSWORD must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if existing, err := users.GetByUsername(ctx, username); err == nil {
		fmt.Printf("User %q already exists (role %s), nothing to do.\n", existing.Username, existing.Role)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Fatalf("Failed to check existing user: %v", err)
	}

	hash, err := utils.HashPassword(password, cfg.BcryptCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	now := time.Now()
	id, err := users.Create(ctx, &models.User{
		Username:     username,
		Name:         "Super Administrator",
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleSuperadmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		log.Fatalf("Failed to create superadmin: %v", err)
	}

	fmt.Printf("Superadmin created.\n")
	fmt.Printf("  Username: %s\n", username)
	fmt.Printf("  User ID:  %s\n", id.Hex())
	fmt.Printf("Log in at POST /auth/login and create further users via /api/admin/users.\n")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

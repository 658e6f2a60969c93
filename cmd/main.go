package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"saas-knowledge-platform/internal/auth"
	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/queue"
	"saas-knowledge-platform/internal/store/mongodb"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/routes"
	"saas-knowledge-platform/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("Failed to initialize tracer:", err)
	}
	defer shutdownTracer()

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to initialize metrics:", err)
	}

	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	stores := mongodb.NewStores(mongoClient.Database(cfg.DBName))

	blobs, err := blob.NewDiskStore(cfg.FileStorageDir)
	if err != nil {
		log.Fatal("Failed to initialize blob storage:", err)
	}

	tokens, err := auth.NewTokenManager(cfg, rdb)
	if err != nil {
		log.Fatal("Failed to initialize token manager:", err)
	}

	registry, embedders, reranker := providers.FromConfig(cfg)

	extraction := services.NewExtractionEngine(stores, registry, blobs, cfg)
	chunking := services.NewChunkingEngine(stores, cfg)
	embedding := services.NewEmbeddingEngine(stores, cfg, embedders...)
	cache := services.NewChunkCache(rdb)
	alerts := services.NewAlertService(services.NewSMTPEmailSender(cfg), cfg)
	ingestion := services.NewIngestionService(stores, blobs, extraction, chunking, embedding, cache, alerts, cfg)
	authz := services.NewAuthorizationService(stores.Containers)
	retrieval := services.NewRetrievalEngine(stores, embedding, reranker, cache, cfg)
	tracker := services.NewTracker(stores.Tasks)

	asynqClient := asynq.NewClient(config.AsynqRedisOpt(cfg))
	defer asynqClient.Close()
	enqueuer := queue.NewEnqueuer(asynqClient, tracker)

	auditor := middleware.NewAuditLogger(stores.Audit)
	defer auditor.Close()

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.RequestSizeLimit(cfg.MaxFileSize))
	router.Use(middleware.RateLimitMiddleware(rdb, cfg))
	router.Use(middleware.AuditMiddleware(auditor))

	authMiddleware := middleware.NewAuthMiddleware(cfg, tokens)
	roleMiddleware := middleware.NewRoleMiddleware()

	routes.SetupHealthRoutes(router, mongoClient, rdb)
	routes.SetupAuthRoutes(router, stores.Users, tokens, authMiddleware)
	routes.SetupDocumentRoutes(router, cfg, stores, blobs, enqueuer, ingestion, authz, authMiddleware)
	routes.SetupSearchRoutes(router, retrieval, authz, cache, authMiddleware)
	routes.SetupTaskRoutes(router, tracker, authMiddleware)
	routes.SetupSourceRoutes(router, stores, enqueuer, tracker, authz, authMiddleware)
	routes.SetupContainerRoutes(router, stores, authz, authMiddleware)
	routes.SetupAdminRoutes(router, cfg, stores, blobs, enqueuer, tracker, cache, authMiddleware, roleMiddleware)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("API server starting", "port", cfg.Port, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	logger.Info("Server exited")
}

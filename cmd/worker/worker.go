package main

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/queue"
	"saas-knowledge-platform/internal/store/mongodb"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/services"
)

// The worker executes everything the API only schedules: the ingestion
// pipeline, embedding retries, collection runs, and report builds. It also
// hosts the cron scheduler, so retention purges and scheduled collections
// run next to the task handlers rather than in the API.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("Failed to initialize tracer:", err)
	}
	defer shutdownTracer()

	if _, err := telemetry.InitMetrics(); err != nil {
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

	// The worker never reranks; that capability only serves live search.
	registry, embedders, _ := providers.FromConfig(cfg)

	extraction := services.NewExtractionEngine(stores, registry, blobs, cfg)
	chunking := services.NewChunkingEngine(stores, cfg)
	embedding := services.NewEmbeddingEngine(stores, cfg, embedders...)
	cache := services.NewChunkCache(rdb)
	alerts := services.NewAlertService(services.NewSMTPEmailSender(cfg), cfg)
	ingestion := services.NewIngestionService(stores, blobs, extraction, chunking, embedding, cache, alerts, cfg)
	tracker := services.NewTracker(stores.Tasks)

	// Collection hands every harvested page back to the queue as its own
	// ingestion task, so the worker needs an enqueuer of its own.
	asynqClient := asynq.NewClient(config.AsynqRedisOpt(cfg))
	defer asynqClient.Close()
	enqueuer := queue.NewEnqueuer(asynqClient, tracker)

	collection := services.NewCollectionService(stores, blobs, enqueuer, cfg)
	reports := services.NewReportService(stores, blobs)

	scheduler := services.NewScheduler(tracker, stores.Sources, enqueuer, cfg)
	if err := scheduler.Start(); err != nil {
		log.Fatal("Failed to start scheduler:", err)
	}
	defer scheduler.Stop()

	server := asynq.NewServer(
		config.AsynqRedisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
				queue.QueueLow:      1,
			},
			StrictPriority: true,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(tracker, ingestion, collection, reports)
	mux := asynq.NewServeMux()
	processor.Register(mux)

	logger.Info("Worker starting",
		"concurrency", cfg.WorkerConcurrency,
		"queues", "critical(6) default(3) low(1)",
		"redis", cfg.RedisURL)

	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}

package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI    string
	DBName      string
	Port        string
	GinMode     string
	CORSOrigins []string

	// Upload limits
	MaxFileSize  int64
	AllowedTypes []string

	// Object store (local-disk gateway)
	FileStorageDir string

	// Redis
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Auth
	AccessSecret  string
	RefreshSecret string
	BcryptCost    int

	// Rate limiting
	RateLimitReqs   int
	RateLimitWindow int

	// Worker
	WorkerConcurrency int

	// Extraction pipeline
	ExtractionProvider    string // primary provider name
	ExtractionFallback    string // attempted once if the primary fails entirely
	ExtractionMaxAttempts int    // per provider call, transient errors only
	ExtractionRetryBase   int    // seconds, doubled per attempt

	// Chunking defaults
	ChunkStrategy      string
	MaxChunkTokens     int
	ChunkOverlapTokens int
	MinChunkTokens     int

	// Embeddings
	EmbeddingModel     string
	VectorDimensions   int
	EmbeddingBatchSize int

	// Gemini provider
	GeminiAPIKey       string
	GeminiRateLimit    float64 // requests per second
	GeminiBurst        int
	GeminiOCRModel     string

	// Remote OCR provider
	OCRServiceURL          string
	OCRServiceEnabled      bool
	OCRTimeout             int // seconds
	OCRConfidenceThreshold float64

	// Retrieval policy (seed values; runtime policy lives in settings)
	SearchWeightVector  float64
	SearchWeightKeyword float64
	SearchWeightImage   float64
	SearchThreshold     float64
	SearchRerankTopN    int
	SearchDefaultTopK   int

	// Atlas Search/VectorSearch index provisioning (opt-in; in-process
	// scoring is the portable default)
	AtlasTextSearchEnabled bool
	VectorSearchEnabled    bool
	SearchIndexName        string
	VectorIndexName        string

	// Background tasks
	TaskRetentionMinutes int
	TaskStaleMinutes     int

	// Collection runs
	CollectMaxPages  int
	CollectMaxDepth  int
	CollectTimeout   int // seconds, per page fetch
	CollectUserAgent string

	// SMTP alerts
	SMTPHost              string
	SMTPPort              string
	SMTPUser              string
	SMTPPass              string
	SMTPFrom              string
	AdminEmails           []string
	AlertFailureThreshold int

	// Telemetry
	OTLPEndpoint string
	ServiceName  string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017/knowledge_platform"),
		DBName:      getEnv("DB_NAME", "knowledge_platform"),
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: getEnvList("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"),

		MaxFileSize:  getEnvInt64("MAX_FILE_SIZE", 104857600), // 100MB
		AllowedTypes: getEnvList("ALLOWED_FILE_TYPES", "application/pdf,text/plain,text/markdown,text/html,application/vnd.openxmlformats-officedocument.spreadsheetml.sheet,image/png,image/jpeg"),

		FileStorageDir: getEnv("FILE_STORAGE_DIR", "./storage"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AccessSecret:  getEnv("ACCESS_SECRET", ""),
		RefreshSecret: getEnv("REFRESH_SECRET", ""),
		BcryptCost:    getEnvInt("BCRYPT_COST", 12),

		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 20),

		ExtractionProvider:    getEnv("EXTRACTION_PROVIDER", "pdf-native"),
		ExtractionFallback:    getEnv("EXTRACTION_FALLBACK", ""),
		ExtractionMaxAttempts: getEnvInt("EXTRACTION_MAX_ATTEMPTS", 3),
		ExtractionRetryBase:   getEnvInt("EXTRACTION_RETRY_BASE", 2),

		ChunkStrategy:      getEnv("CHUNK_STRATEGY", "section"),
		MaxChunkTokens:     getEnvInt("MAX_CHUNK_TOKENS", 1000),
		ChunkOverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 200),
		MinChunkTokens:     getEnvInt("MIN_CHUNK_TOKENS", 50),

		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		VectorDimensions:   getEnvInt("VECTOR_DIM", 768),
		EmbeddingBatchSize: getEnvInt("EMBEDDING_BATCH_SIZE", 16),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiRateLimit: getEnvFloat64("GEMINI_RATE_LIMIT", 2.0),
		GeminiBurst:     getEnvInt("GEMINI_BURST", 4),
		GeminiOCRModel:  getEnv("GEMINI_OCR_MODEL", "gemini-2.0-flash"),

		OCRServiceURL:          getEnv("OCR_SERVICE_URL", "http://localhost:8001"),
		OCRServiceEnabled:      getEnvBool("OCR_SERVICE_ENABLED", false),
		OCRTimeout:             getEnvInt("OCR_TIMEOUT", 300),
		OCRConfidenceThreshold: getEnvFloat64("OCR_CONFIDENCE_THRESHOLD", 0.7),

		SearchWeightVector:  getEnvFloat64("SEARCH_WEIGHT_VECTOR", 0.65),
		SearchWeightKeyword: getEnvFloat64("SEARCH_WEIGHT_KEYWORD", 0.35),
		SearchWeightImage:   getEnvFloat64("SEARCH_WEIGHT_IMAGE", 1.0),
		SearchThreshold:     getEnvFloat64("SEARCH_THRESHOLD", 0.0),
		SearchRerankTopN:    getEnvInt("SEARCH_RERANK_TOP_N", 20),
		SearchDefaultTopK:   getEnvInt("SEARCH_DEFAULT_TOP_K", 10),

		AtlasTextSearchEnabled: getEnvBool("MONGODB_SEARCH_ENABLED", false),
		VectorSearchEnabled:    getEnvBool("MONGODB_VECTOR_ENABLED", false),
		SearchIndexName:        getEnv("MONGODB_SEARCH_INDEX", "chunks_text"),
		VectorIndexName:        getEnv("MONGODB_VECTOR_INDEX", "chunks_vector"),

		TaskRetentionMinutes: getEnvInt("TASK_RETENTION_MINUTES", 60),
		TaskStaleMinutes:     getEnvInt("TASK_STALE_MINUTES", 30),

		CollectMaxPages:  getEnvInt("COLLECT_MAX_PAGES", 100),
		CollectMaxDepth:  getEnvInt("COLLECT_MAX_DEPTH", 3),
		CollectTimeout:   getEnvInt("COLLECT_TIMEOUT", 30),
		CollectUserAgent: getEnv("COLLECT_USER_AGENT", "knowledge-platform-collector/1.0"),

		SMTPHost:              getEnv("SMTP_HOST", ""),
		SMTPPort:              getEnv("SMTP_PORT", "587"),
		SMTPUser:              getEnv("SMTP_USER", ""),
		SMTPPass:              getEnv("SMTP_PASS", ""),
		SMTPFrom:              getEnv("SMTP_FROM", ""),
		AdminEmails:           getEnvList("ADMIN_EMAILS", ""),
		AlertFailureThreshold: getEnvInt("ALERT_FAILURE_THRESHOLD", 5),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "knowledge-platform"),
	}

	// Validate required fields
	if cfg.AccessSecret == "" {
		return nil, fmt.Errorf("ACCESS_SECRET is required - set it in .env file")
	}

	if cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("REFRESH_SECRET is required - set it in .env file")
	}

	return cfg, nil
}

package routes

import (
	"net/http"
	"time"

	"saas-knowledge-platform/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// SetupHealthRoutes registers the liveness and readiness probes. Both are
// unauthenticated; the rate limiter skips them.
func SetupHealthRoutes(router *gin.Engine, mongoClient *mongo.Client, rdb *redis.Client) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx := c.Request.Context()

		health := models.SystemHealth{
			Status:    "ok",
			Timestamp: time.Now().Format(time.RFC3339),
			Database:  "ok",
			Queue:     "ok",
		}

		if err := mongoClient.Ping(ctx, nil); err != nil {
			health.Status = "degraded"
			health.Database = "unreachable"
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			health.Status = "degraded"
			health.Queue = "unreachable"
		}

		code := http.StatusOK
		if health.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	})
}

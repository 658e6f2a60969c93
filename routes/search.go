package routes

import (
	"net/http"
	"time"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
)

// SetupSearchRoutes registers the retrieval endpoint.
func SetupSearchRoutes(router *gin.Engine, engine *services.RetrievalEngine, authz *services.AuthorizationService, cache *services.ChunkCache, authMW *middleware.AuthMiddleware) {
	router.POST("/api/search", authMW.RequireAuth(), handleSearch(engine, authz, cache))
}

func handleSearch(engine *services.RetrievalEngine, authz *services.AuthorizationService, cache *services.ChunkCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid search request", gin.H{"error": err.Error()})
			return
		}

		userID, ok := requesterID(c)
		if !ok {
			return
		}

		start := time.Now()
		ctx := c.Request.Context()
		authCtx, err := authz.GetAuthorizedContainers(ctx, userID, middleware.GetRole(c))
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to resolve permissions", nil)
			return
		}

		if resp, hit := cache.GetSearch(ctx, authCtx, req); hit {
			telemetry.RecordSearch(req.Mode, time.Since(start).Seconds(), len(resp.Results))
			c.JSON(http.StatusOK, resp)
			return
		}

		resp, err := engine.Search(ctx, req, authCtx)
		if err != nil {
			respondServiceError(c, err, "Search failed")
			return
		}

		cache.PutSearch(ctx, authCtx, req, resp)
		telemetry.RecordSearch(req.Mode, time.Since(start).Seconds(), len(resp.Results))
		logger.Debug("search served",
			"mode", req.Mode,
			"results", len(resp.Results),
			"candidates", resp.TotalCandidates,
			"took_ms", resp.SearchTimeMs)

		c.JSON(http.StatusOK, resp)
	}
}

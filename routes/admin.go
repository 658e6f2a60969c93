package routes

import (
	"net/http"
	"strings"
	"time"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/queue"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
)

// SetupAdminRoutes registers the admin surface: retrieval policy, user
// provisioning, report generation and the audit trail.
func SetupAdminRoutes(router *gin.Engine, cfg *config.Config, stores store.Stores, blobs blob.Store, enq *queue.Enqueuer, tracker *services.Tracker, cache *services.ChunkCache, authMW *middleware.AuthMiddleware, roleMW *middleware.RoleMiddleware) {
	admin := router.Group("/api/admin")
	admin.Use(authMW.RequireAuth())
	admin.Use(roleMW.AdminGuard())

	admin.GET("/settings/retrieval", handleGetRetrievalSettings(stores))
	admin.PUT("/settings/retrieval", handlePutRetrievalSettings(stores, cache))
	admin.GET("/stats", handleAdminStats(stores, tracker))

	admin.POST("/reports/containers/:id", handleScheduleReport(stores, enq))
	admin.GET("/reports/download", handleDownloadReport(blobs))

	admin.GET("/audit", handleQueryAudit(stores.Audit))
	admin.GET("/audit/verify", handleVerifyAuditChain(stores.Audit))

	// User provisioning is superadmin-only.
	users := admin.Group("/users")
	users.Use(roleMW.SuperadminGuard())
	users.POST("", handleCreateUser(cfg, stores))
	users.GET("", handleListUsers(stores))
}

func handleGetRetrievalSettings(stores store.Stores) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := stores.Settings.GetRetrieval(c.Request.Context())
		if err != nil {
			respondServiceError(c, err, "Retrieval settings not found")
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

// handlePutRetrievalSettings replaces the retrieval policy and invalidates
// cached search responses so the new policy takes effect immediately.
func handlePutRetrievalSettings(stores store.Stores, cache *services.ChunkCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var settings models.RetrievalSettings
		if err := c.ShouldBindJSON(&settings); err != nil {
			utils.RespondWithBadRequest(c, "Invalid settings", gin.H{"error": err.Error()})
			return
		}

		if settings.Fusion != models.FusionWeighted && settings.Fusion != models.FusionRRF {
			utils.RespondWithBadRequest(c, "fusion must be weighted or rrf", nil)
			return
		}
		if settings.Threshold < 0 || settings.Threshold > 1 {
			utils.RespondWithBadRequest(c, "threshold must be within [0,1]", nil)
			return
		}
		for mode, w := range settings.FusionWeights {
			if w < 0 {
				utils.RespondWithBadRequest(c, "fusion weight must be non-negative", gin.H{"mode": mode})
				return
			}
		}

		ctx := c.Request.Context()
		settings.ID = models.SettingsID
		settings.UpdatedAt = time.Now()
		if err := stores.Settings.PutRetrieval(ctx, &settings); err != nil {
			utils.RespondWithInternalError(c, "Failed to save settings", nil)
			return
		}
		cache.InvalidateSearches(ctx)

		logger.Info("retrieval settings updated",
			"fusion", settings.Fusion,
			"threshold", settings.Threshold,
			"rerank_top_n", settings.RerankTopN)

		c.JSON(http.StatusOK, settings)
	}
}

func handleAdminStats(stores store.Stores, tracker *services.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		taskCounts := gin.H{}
		for _, status := range []string{
			models.TaskStatusPending,
			models.TaskStatusRunning,
			models.TaskStatusCompleted,
			models.TaskStatusFailed,
		} {
			tasks, err := tracker.List(ctx, status, 0)
			if err != nil {
				utils.RespondWithInternalError(c, "Failed to count tasks", nil)
				return
			}
			taskCounts[status] = len(tasks)
		}

		containers, err := stores.Containers.List(ctx)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list containers", nil)
			return
		}
		users, err := stores.Users.List(ctx)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list users", nil)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"timestamp":  time.Now().Format(time.RFC3339),
			"containers": len(containers),
			"users":      len(users),
			"tasks":      taskCounts,
		})
	}
}

func handleScheduleReport(stores store.Stores, enq *queue.Enqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, ok := pathID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()

		if _, err := stores.Containers.Get(ctx, containerID); err != nil {
			respondServiceError(c, err, "Container not found")
			return
		}

		taskID, err := enq.ScheduleReport(ctx, containerID)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to schedule report", nil)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"container_id": containerID.Hex(),
			"task_id":      taskID.Hex(),
			"message":      "Report generation scheduled; the task message carries the download key",
		})
	}
}

// handleDownloadReport streams a finished report workbook by blob key.
func handleDownloadReport(blobs blob.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("key")
		if key == "" || strings.ContainsAny(key, "/\\") {
			utils.RespondWithBadRequest(c, "key query parameter is required", nil)
			return
		}

		reader, err := blobs.Get(c.Request.Context(), key)
		if err != nil {
			utils.RespondWithNotFound(c, "Report not found")
			return
		}
		defer reader.Close()

		c.Header("Content-Disposition", `attachment; filename="`+key+`"`)
		c.DataFromReader(http.StatusOK, -1,
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", reader, nil)
	}
}

func handleCreateUser(cfg *config.Config, stores store.Stores) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required,min=3,max=50"`
			Name     string `json:"name" binding:"required,min=2,max=100"`
			Email    string `json:"email" binding:"omitempty,email"`
			Password string `json:"password" binding:"required,min=8"`
			Role     string `json:"role" binding:"required,oneof=admin member"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid user", gin.H{"error": err.Error()})
			return
		}

		hashed, err := utils.HashPassword(req.Password, cfg.BcryptCost)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to process password", nil)
			return
		}

		now := time.Now()
		user := &models.User{
			Username:     req.Username,
			Name:         req.Name,
			Email:        req.Email,
			PasswordHash: hashed,
			Role:         req.Role,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		id, err := stores.Users.Create(c.Request.Context(), user)
		if err != nil {
			respondServiceError(c, err, "User not found")
			return
		}

		logger.Info("user created", "user_id", id.Hex(), "username", req.Username, "role", req.Role)

		c.JSON(http.StatusCreated, models.UserInfo{
			ID:       id.Hex(),
			Username: user.Username,
			Name:     user.Name,
			Email:    user.Email,
			Role:     user.Role,
		})
	}
}

func handleListUsers(stores store.Stores) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := stores.Users.List(c.Request.Context())
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list users", nil)
			return
		}

		infos := make([]models.UserInfo, 0, len(users))
		for _, u := range users {
			infos = append(infos, models.UserInfo{
				ID:       u.ID.Hex(),
				Username: u.Username,
				Name:     u.Name,
				Email:    u.Email,
				Role:     u.Role,
			})
		}
		c.JSON(http.StatusOK, gin.H{"users": infos, "count": len(infos)})
	}
}

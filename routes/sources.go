package routes

import (
	"errors"
	"net/http"
	"time"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/queue"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SetupSourceRoutes registers collection source management and the manual
// run trigger.
func SetupSourceRoutes(router *gin.Engine, stores store.Stores, enq *queue.Enqueuer, tracker *services.Tracker, authz *services.AuthorizationService, authMW *middleware.AuthMiddleware) {
	sources := router.Group("/api/sources")
	sources.Use(authMW.RequireAuth())

	sources.POST("", handleCreateSource(stores, authz))
	sources.GET("", handleListSources(stores, authz))
	sources.GET("/:id", handleGetSource(stores, authz))
	sources.PUT("/:id", handleUpdateSource(stores, authz))
	sources.DELETE("/:id", handleDeleteSource(stores, authz))
	sources.POST("/:id/run", handleRunSource(stores, enq, tracker, authz))
}

// authorizeContainer checks the requester's permission on a container.
// Responds and returns false when access fails.
func authorizeContainer(c *gin.Context, authz *services.AuthorizationService, containerID primitive.ObjectID, needEdit bool) bool {
	userID, ok := requesterID(c)
	if !ok {
		return false
	}
	authCtx, err := authz.GetAuthorizedContainers(c.Request.Context(), userID, middleware.GetRole(c))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to resolve permissions", nil)
		return false
	}
	allowed := authCtx.CanView(containerID)
	if needEdit {
		allowed = authCtx.CanEdit(containerID)
	}
	if !allowed {
		utils.RespondWithForbidden(c, "No access to this container")
		return false
	}
	return true
}

// loadAuthorizedSource fetches the source and checks container permission.
func loadAuthorizedSource(c *gin.Context, sources store.SourceStore, authz *services.AuthorizationService, needEdit bool) *models.CollectionSource {
	sourceID, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	src, err := sources.Get(c.Request.Context(), sourceID)
	if err != nil {
		respondServiceError(c, err, "Source not found")
		return nil
	}
	if !authorizeContainer(c, authz, src.ContainerID, needEdit) {
		return nil
	}
	return src
}

func handleCreateSource(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var src models.CollectionSource
		if err := c.ShouldBindJSON(&src); err != nil {
			utils.RespondWithBadRequest(c, "Invalid source definition", gin.H{"error": err.Error()})
			return
		}
		if src.ContainerID.IsZero() {
			utils.RespondWithBadRequest(c, "container_id is required", nil)
			return
		}

		ctx := c.Request.Context()
		if _, err := stores.Containers.Get(ctx, src.ContainerID); err != nil {
			respondServiceError(c, err, "Container not found")
			return
		}
		if !authorizeContainer(c, authz, src.ContainerID, true) {
			return
		}

		userID, _ := requesterID(c)
		now := time.Now()
		src.ID = primitive.NilObjectID
		src.CreatedBy = userID
		src.CreatedAt = now
		src.UpdatedAt = now
		src.LastRunAt = nil
		src.LastRunTaskID = ""
		src.Enabled = true

		id, err := stores.Sources.Create(ctx, &src)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to create source", nil)
			return
		}
		src.ID = id

		logger.Info("collection source created",
			"source_id", id.Hex(),
			"container_id", src.ContainerID.Hex(),
			"base_url", src.BaseURL,
			"schedule", src.Schedule)

		c.JSON(http.StatusCreated, src)
	}
}

func handleListSources(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, err := primitive.ObjectIDFromHex(c.Query("container_id"))
		if err != nil {
			utils.RespondWithBadRequest(c, "container_id query parameter is required", nil)
			return
		}
		if !authorizeContainer(c, authz, containerID, false) {
			return
		}

		list, err := stores.Sources.List(c.Request.Context(), containerID)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list sources", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sources": list, "count": len(list)})
	}
}

func handleGetSource(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := loadAuthorizedSource(c, stores.Sources, authz, false)
		if src == nil {
			return
		}
		c.JSON(http.StatusOK, src)
	}
}

func handleUpdateSource(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		existing := loadAuthorizedSource(c, stores.Sources, authz, true)
		if existing == nil {
			return
		}

		var updated models.CollectionSource
		if err := c.ShouldBindJSON(&updated); err != nil {
			utils.RespondWithBadRequest(c, "Invalid source definition", gin.H{"error": err.Error()})
			return
		}

		// Identity and run history are server-owned.
		updated.ID = existing.ID
		updated.ContainerID = existing.ContainerID
		updated.CreatedBy = existing.CreatedBy
		updated.CreatedAt = existing.CreatedAt
		updated.LastRunAt = existing.LastRunAt
		updated.LastRunTaskID = existing.LastRunTaskID
		updated.UpdatedAt = time.Now()

		if err := stores.Sources.Update(c.Request.Context(), &updated); err != nil {
			respondServiceError(c, err, "Source not found")
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func handleDeleteSource(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := loadAuthorizedSource(c, stores.Sources, authz, true)
		if src == nil {
			return
		}

		if err := stores.Sources.Delete(c.Request.Context(), src.ID); err != nil {
			respondServiceError(c, err, "Source not found")
			return
		}

		logger.Info("collection source deleted", "source_id", src.ID.Hex())
		c.JSON(http.StatusOK, gin.H{"message": "Source deleted. Collected documents are kept."})
	}
}

// handleRunSource triggers a collection run now. Refused while the
// previous run is still pending or running.
func handleRunSource(stores store.Stores, enq *queue.Enqueuer, tracker *services.Tracker, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := loadAuthorizedSource(c, stores.Sources, authz, true)
		if src == nil {
			return
		}
		ctx := c.Request.Context()

		if !src.Enabled {
			utils.RespondWithConflict(c, "Source is disabled")
			return
		}

		if src.LastRunTaskID != "" {
			if lastID, err := primitive.ObjectIDFromHex(src.LastRunTaskID); err == nil {
				last, err := tracker.GetStatus(ctx, lastID)
				if err == nil && !last.Terminal() {
					utils.RespondWithConflict(c, "Previous collection run is still in progress")
					return
				}
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					utils.RespondWithInternalError(c, "Failed to check previous run", nil)
					return
				}
			}
		}

		taskID, err := enq.ScheduleCollection(ctx, src.ID)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to schedule collection run", nil)
			return
		}
		if err := stores.Sources.RecordRun(ctx, src.ID, taskID, time.Now()); err != nil {
			logger.Warn("failed to record source run", "source_id", src.ID.Hex(), "error", err)
		}

		c.JSON(http.StatusAccepted, gin.H{
			"source_id": src.ID.Hex(),
			"task_id":   taskID.Hex(),
			"message":   "Collection run scheduled",
		})
	}
}

package routes

import (
	"net/http"
	"time"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SetupContainerRoutes registers container management and permission grants.
func SetupContainerRoutes(router *gin.Engine, stores store.Stores, authz *services.AuthorizationService, authMW *middleware.AuthMiddleware) {
	containers := router.Group("/api/containers")
	containers.Use(authMW.RequireAuth())

	containers.POST("", handleCreateContainer(stores))
	containers.GET("", handleListContainers(stores, authz))
	containers.GET("/:id", handleGetContainer(stores, authz))
	containers.DELETE("/:id", handleDeleteContainer(stores, authz))
	containers.GET("/:id/documents", handleListContainerDocuments(stores, authz))
	containers.POST("/:id/permissions", handleGrantPermission(stores, authz))
	containers.GET("/:id/permissions", handleListPermissions(stores, authz))
	containers.DELETE("/:id/permissions/:user_id", handleRevokePermission(stores, authz))
}

// requireOwner checks owner-level access on the container. Responds and
// returns false when access fails.
func requireOwner(c *gin.Context, authz *services.AuthorizationService, containerID primitive.ObjectID) bool {
	userID, ok := requesterID(c)
	if !ok {
		return false
	}
	authCtx, err := authz.GetAuthorizedContainers(c.Request.Context(), userID, middleware.GetRole(c))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to resolve permissions", nil)
		return false
	}
	if authCtx.Containers[containerID] < models.PermissionOwner {
		utils.RespondWithForbidden(c, "Owner access to the container is required")
		return false
	}
	return true
}

func handleCreateContainer(stores store.Stores) gin.HandlerFunc {
	return func(c *gin.Context) {
		var container models.Container
		if err := c.ShouldBindJSON(&container); err != nil {
			utils.RespondWithBadRequest(c, "Invalid container", gin.H{"error": err.Error()})
			return
		}

		userID, ok := requesterID(c)
		if !ok {
			return
		}

		now := time.Now()
		container.ID = primitive.NilObjectID
		container.OwnerID = userID
		container.CreatedAt = now
		container.UpdatedAt = now

		id, err := stores.Containers.Create(c.Request.Context(), &container)
		if err != nil {
			respondServiceError(c, err, "Container not found")
			return
		}
		container.ID = id

		logger.Info("container created", "container_id", id.Hex(), "name", container.Name)
		c.JSON(http.StatusCreated, container)
	}
}

// handleListContainers returns the containers the requester can see, with
// the permission level attached.
func handleListContainers(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requesterID(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		authCtx, err := authz.GetAuthorizedContainers(ctx, userID, middleware.GetRole(c))
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to resolve permissions", nil)
			return
		}

		all, err := stores.Containers.List(ctx)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list containers", nil)
			return
		}

		type containerWithLevel struct {
			models.Container
			Permission string `json:"permission"`
		}
		visible := make([]containerWithLevel, 0, len(all))
		for _, container := range all {
			if level := authCtx.Containers[container.ID]; level >= models.PermissionViewer {
				visible = append(visible, containerWithLevel{
					Container:  container,
					Permission: level.String(),
				})
			}
		}

		c.JSON(http.StatusOK, gin.H{"containers": visible, "count": len(visible)})
	}
}

func handleGetContainer(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, ok := pathID(c, "id")
		if !ok {
			return
		}
		container, err := stores.Containers.Get(c.Request.Context(), containerID)
		if err != nil {
			respondServiceError(c, err, "Container not found")
			return
		}
		if !authorizeContainer(c, authz, containerID, false) {
			return
		}
		c.JSON(http.StatusOK, container)
	}
}

// handleDeleteContainer removes an empty container. Containers holding
// documents are refused so nothing is deleted implicitly.
func handleDeleteContainer(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
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
		if !requireOwner(c, authz, containerID) {
			return
		}

		_, total, err := stores.Documents.ListByContainer(ctx, containerID, 1, 0)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to check container contents", nil)
			return
		}
		if total > 0 {
			utils.RespondWithConflict(c, "Container still holds documents; delete them first")
			return
		}

		if err := stores.Containers.Delete(ctx, containerID); err != nil {
			respondServiceError(c, err, "Container not found")
			return
		}

		logger.Info("container deleted", "container_id", containerID.Hex())
		c.JSON(http.StatusOK, gin.H{"message": "Container deleted"})
	}
}

func handleListContainerDocuments(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if !authorizeContainer(c, authz, containerID, false) {
			return
		}

		limit, offset := pagination(c)
		docs, total, err := stores.Documents.ListByContainer(c.Request.Context(), containerID, limit, offset)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list documents", nil)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"documents": docs,
			"total":     total,
			"limit":     limit,
			"offset":    offset,
		})
	}
}

func handleGrantPermission(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if !requireOwner(c, authz, containerID) {
			return
		}

		var body struct {
			UserID string `json:"user_id" binding:"required"`
			Level  string `json:"level" binding:"required,oneof=viewer editor owner"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.RespondWithBadRequest(c, "Invalid grant", gin.H{"error": err.Error()})
			return
		}
		targetID, err := primitive.ObjectIDFromHex(body.UserID)
		if err != nil {
			utils.RespondWithBadRequest(c, "Invalid user_id", nil)
			return
		}

		ctx := c.Request.Context()
		if _, err := stores.Users.Get(ctx, targetID); err != nil {
			respondServiceError(c, err, "User not found")
			return
		}

		grantedBy, _ := requesterID(c)
		perm := &models.ContainerPermission{
			ContainerID: containerID,
			UserID:      targetID,
			Level:       models.ParsePermissionLevel(body.Level),
			GrantedBy:   grantedBy,
			GrantedAt:   time.Now(),
		}
		if err := stores.Containers.GrantPermission(ctx, perm); err != nil {
			utils.RespondWithInternalError(c, "Failed to grant permission", nil)
			return
		}

		logger.Info("container permission granted",
			"container_id", containerID.Hex(),
			"user_id", targetID.Hex(),
			"level", body.Level)

		c.JSON(http.StatusOK, perm)
	}
}

func handleListPermissions(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if !requireOwner(c, authz, containerID) {
			return
		}

		perms, err := stores.Containers.PermissionsForContainer(c.Request.Context(), containerID)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list permissions", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"permissions": perms, "count": len(perms)})
	}
}

func handleRevokePermission(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if !requireOwner(c, authz, containerID) {
			return
		}
		targetID, err := primitive.ObjectIDFromHex(c.Param("user_id"))
		if err != nil {
			utils.RespondWithBadRequest(c, "Invalid user_id", nil)
			return
		}

		if err := stores.Containers.RevokePermission(c.Request.Context(), containerID, targetID); err != nil {
			respondServiceError(c, err, "Permission not found")
			return
		}

		logger.Info("container permission revoked",
			"container_id", containerID.Hex(),
			"user_id", targetID.Hex())

		c.JSON(http.StatusOK, gin.H{"message": "Permission revoked"})
	}
}

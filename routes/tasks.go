package routes

import (
	"net/http"

	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
)

// SetupTaskRoutes registers the background task polling surface.
func SetupTaskRoutes(router *gin.Engine, tracker *services.Tracker, authMW *middleware.AuthMiddleware) {
	tasks := router.Group("/api/tasks")
	tasks.Use(authMW.RequireAuth())

	tasks.GET("", handleListTasks(tracker))
	tasks.GET("/:id", handleGetTask(tracker))
	tasks.POST("/:id/cancel", handleCancelTask(tracker))
}

func handleGetTask(tracker *services.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID, ok := pathID(c, "id")
		if !ok {
			return
		}

		task, err := tracker.GetStatus(c.Request.Context(), taskID)
		if err != nil {
			respondServiceError(c, err, "Task not found")
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

func handleListTasks(tracker *services.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		limit, _ := pagination(c)

		tasks, err := tracker.List(c.Request.Context(), status, limit)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list tasks", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
	}
}

// handleCancelTask requests cancellation. The running work observes the
// flag at its next batch boundary; terminal tasks answer 409.
func handleCancelTask(tracker *services.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID, ok := pathID(c, "id")
		if !ok {
			return
		}

		if err := tracker.Cancel(c.Request.Context(), taskID); err != nil {
			respondServiceError(c, err, "Task not found")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"task_id": taskID.Hex(),
			"message": "Cancellation requested",
		})
	}
}

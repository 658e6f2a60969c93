package routes

import (
	"errors"
	"net/http"
	"path/filepath"
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
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SetupDocumentRoutes registers the document lifecycle endpoints: upload,
// inspection, download, reprocessing, embedding retry and deletion.
func SetupDocumentRoutes(router *gin.Engine, cfg *config.Config, stores store.Stores, blobs blob.Store, enq *queue.Enqueuer, ingestion *services.IngestionService, authz *services.AuthorizationService, authMW *middleware.AuthMiddleware) {
	docs := router.Group("/api/documents")
	docs.Use(authMW.RequireAuth())

	docs.POST("", handleUploadDocument(cfg, stores, blobs, enq, authz))
	docs.GET("/:id", handleGetDocument(stores, authz))
	docs.GET("/:id/status", handleDocumentStatus(cfg, stores, authz))
	docs.GET("/:id/chunks", handleDocumentChunks(stores, authz))
	docs.GET("/:id/download", handleDownloadDocument(stores, blobs, authz))
	docs.POST("/:id/reprocess", handleReprocessDocument(stores, enq, authz))
	docs.POST("/:id/embeddings/retry", handleRetryEmbeddings(cfg, stores, enq, authz))
	docs.DELETE("/:id", handleDeleteDocument(stores, ingestion, authz))
}

// loadAuthorizedDocument fetches the document and checks the requester's
// container permission. Responds and returns nil when access fails.
func loadAuthorizedDocument(c *gin.Context, documents store.DocumentStore, authz *services.AuthorizationService, needEdit bool) *models.Document {
	docID, ok := pathID(c, "id")
	if !ok {
		return nil
	}
	userID, ok := requesterID(c)
	if !ok {
		return nil
	}

	ctx := c.Request.Context()
	doc, err := documents.Get(ctx, docID)
	if err != nil {
		respondServiceError(c, err, "Document not found")
		return nil
	}

	authCtx, err := authz.GetAuthorizedContainers(ctx, userID, middleware.GetRole(c))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to resolve permissions", nil)
		return nil
	}
	allowed := authCtx.CanView(doc.ContainerID)
	if needEdit {
		allowed = authCtx.CanEdit(doc.ContainerID)
	}
	if !allowed {
		utils.RespondWithForbidden(c, "No access to this document's container")
		return nil
	}
	return doc
}

func handleUploadDocument(cfg *config.Config, stores store.Stores, blobs blob.Store, enq *queue.Enqueuer, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requesterID(c)
		if !ok {
			return
		}

		containerID, err := primitive.ObjectIDFromHex(c.PostForm("container_id"))
		if err != nil {
			utils.RespondWithBadRequest(c, "container_id is required", nil)
			return
		}

		ctx := c.Request.Context()
		if _, err := stores.Containers.Get(ctx, containerID); err != nil {
			respondServiceError(c, err, "Container not found")
			return
		}

		authCtx, err := authz.GetAuthorizedContainers(ctx, userID, middleware.GetRole(c))
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to resolve permissions", nil)
			return
		}
		if !authCtx.CanEdit(containerID) {
			utils.RespondWithForbidden(c, "Editor access to the container is required")
			return
		}

		file, header, err := c.Request.FormFile("file")
		if err != nil {
			utils.RespondWithBadRequest(c, "No file provided", nil)
			return
		}
		defer file.Close()

		if header.Size > cfg.MaxFileSize {
			utils.RespondWithError(c, http.StatusRequestEntityTooLarge,
				"file_too_large", "File size exceeds maximum limit",
				gin.H{"max_size": cfg.MaxFileSize, "received": header.Size})
			return
		}

		mimeType := detectMimeType(header.Header.Get("Content-Type"), header.Filename)
		if !mimeAllowed(mimeType, cfg.AllowedTypes) {
			utils.RespondWithError(c, http.StatusUnsupportedMediaType,
				"unsupported_file_type", "File type is not allowed",
				gin.H{"mime_type": mimeType, "allowed": cfg.AllowedTypes})
			return
		}

		key, size, hash, err := blobs.Put(ctx, file, filepath.Ext(header.Filename))
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to store file", nil)
			return
		}

		// Byte-identical re-upload returns the existing document instead
		// of spawning a second copy of the same content.
		if existing, err := stores.Documents.FindByContentHash(ctx, containerID, hash); err == nil {
			blobs.Delete(ctx, key)
			c.JSON(http.StatusOK, models.UploadResponse{
				ID:       existing.ID.Hex(),
				Filename: existing.OriginalName,
				Status:   existing.Status,
				Message:  "Identical document already exists in this container",
			})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			blobs.Delete(ctx, key)
			utils.RespondWithInternalError(c, "Failed to check for duplicates", nil)
			return
		}

		doc := &models.Document{
			ContainerID:  containerID,
			Filename:     key,
			OriginalName: header.Filename,
			BlobKey:      key,
			MimeType:     mimeType,
			Size:         size,
			ContentHash:  hash,
			Source:       models.SourceUpload,
			Status:       models.StatusPending,
			UploadedBy:   userID,
			UploadedAt:   time.Now(),
		}
		docID, err := stores.Documents.Create(ctx, doc)
		if err != nil {
			blobs.Delete(ctx, key)
			utils.RespondWithInternalError(c, "Failed to create document record", nil)
			return
		}

		opts := services.IngestOptions{
			Provider: c.PostForm("provider"),
			Strategy: c.PostForm("strategy"),
			Model:    c.PostForm("model"),
		}
		taskID, err := enq.ScheduleIngestionWithOptions(ctx, docID, opts)
		if err != nil {
			stores.Documents.Delete(ctx, docID)
			blobs.Delete(ctx, key)
			utils.RespondWithInternalError(c, "Failed to schedule processing", nil)
			return
		}

		logger.Info("document uploaded",
			"document_id", docID.Hex(),
			"container_id", containerID.Hex(),
			"mime_type", mimeType,
			"size", size,
			"task_id", taskID.Hex())

		c.JSON(http.StatusAccepted, models.UploadResponse{
			ID:       docID.Hex(),
			Filename: header.Filename,
			Status:   models.StatusPending,
			Message:  "Upload accepted, processing in background",
			TaskID:   taskID.Hex(),
		})
	}
}

func handleGetDocument(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, false)
		if doc == nil {
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// handleDocumentStatus reports the pipeline state: document status plus the
// latest extraction session, current chunk session and embedding count.
func handleDocumentStatus(cfg *config.Config, stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, false)
		if doc == nil {
			return
		}
		ctx := c.Request.Context()

		resp := gin.H{
			"document_id": doc.ID.Hex(),
			"status":      doc.Status,
			"page_count":  doc.PageCount,
		}
		if doc.ErrorMessage != "" {
			resp["error_message"] = doc.ErrorMessage
		}
		if doc.ProcessedAt != nil {
			resp["processed_at"] = doc.ProcessedAt
		}

		if session, err := stores.Extractions.LatestSession(ctx, doc.ID); err == nil {
			resp["extraction"] = gin.H{
				"session_id":   session.ID.Hex(),
				"provider":     session.Provider,
				"status":       session.Status,
				"page_count":   session.PageCount,
				"object_count": session.ObjectCount,
			}
		}
		if session, err := stores.Chunks.LatestSuccessfulSession(ctx, doc.ID); err == nil {
			resp["chunking"] = gin.H{
				"session_id":  session.ID.Hex(),
				"strategy":    session.Strategy,
				"chunk_count": session.ChunkCount,
			}
			if embeddings, err := stores.Embeddings.ListByDocument(ctx, doc.ID, cfg.EmbeddingModel); err == nil {
				resp["embeddings"] = gin.H{
					"model": cfg.EmbeddingModel,
					"count": len(embeddings),
				}
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

func handleDocumentChunks(stores store.Stores, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, false)
		if doc == nil {
			return
		}
		ctx := c.Request.Context()

		session, err := stores.Chunks.LatestSuccessfulSession(ctx, doc.ID)
		if err != nil {
			respondServiceError(c, err, "Document has no chunks yet")
			return
		}
		chunks, err := stores.Chunks.ListChunks(ctx, session.ID)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to load chunks", nil)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"document_id": doc.ID.Hex(),
			"session_id":  session.ID.Hex(),
			"strategy":    session.Strategy,
			"chunks":      chunks,
		})
	}
}

func handleDownloadDocument(stores store.Stores, blobs blob.Store, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, false)
		if doc == nil {
			return
		}

		reader, err := blobs.Get(c.Request.Context(), doc.BlobKey)
		if err != nil {
			utils.RespondWithNotFound(c, "Stored file is missing")
			return
		}
		defer reader.Close()

		c.Header("Content-Disposition", `attachment; filename="`+doc.OriginalName+`"`)
		c.DataFromReader(http.StatusOK, doc.Size, doc.MimeType, reader, nil)
	}
}

// handleReprocessDocument schedules a fresh pipeline run. Rejected with 409
// while an extraction session is still active for the document.
func handleReprocessDocument(stores store.Stores, enq *queue.Enqueuer, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, true)
		if doc == nil {
			return
		}
		ctx := c.Request.Context()

		if _, err := stores.Extractions.FindActiveSession(ctx, doc.ID); err == nil {
			utils.RespondWithConflict(c, "Document is already being processed")
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			utils.RespondWithInternalError(c, "Failed to check processing state", nil)
			return
		}

		var opts services.IngestOptions
		if err := c.ShouldBindJSON(&opts); err != nil && c.Request.ContentLength > 0 {
			utils.RespondWithBadRequest(c, "Invalid options", gin.H{"error": err.Error()})
			return
		}

		taskID, err := enq.ScheduleIngestionWithOptions(ctx, doc.ID, opts)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to schedule reprocessing", nil)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"document_id": doc.ID.Hex(),
			"task_id":     taskID.Hex(),
			"message":     "Reprocessing scheduled",
		})
	}
}

func handleRetryEmbeddings(cfg *config.Config, stores store.Stores, enq *queue.Enqueuer, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, true)
		if doc == nil {
			return
		}

		var body struct {
			Model string `json:"model"`
		}
		c.ShouldBindJSON(&body)
		model := body.Model
		if model == "" {
			model = cfg.EmbeddingModel
		}

		taskID, err := enq.ScheduleRetryEmbeddings(c.Request.Context(), doc.ID, model)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to schedule embedding retry", nil)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"document_id": doc.ID.Hex(),
			"task_id":     taskID.Hex(),
			"model":       model,
		})
	}
}

func handleDeleteDocument(stores store.Stores, ingestion *services.IngestionService, authz *services.AuthorizationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc := loadAuthorizedDocument(c, stores.Documents, authz, true)
		if doc == nil {
			return
		}

		if err := ingestion.DeleteDocument(c.Request.Context(), doc.ID); err != nil {
			respondServiceError(c, err, "Document not found")
			return
		}

		logger.Info("document deleted", "document_id", doc.ID.Hex())
		c.JSON(http.StatusOK, gin.H{"message": "Document and derived data deleted"})
	}
}

package routes

import (
	"errors"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// requesterID returns the authenticated user's id. Responds 401 and
// reports false when the session context is unusable.
func requesterID(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(middleware.GetUserID(c))
	if err != nil {
		utils.RespondWithUnauthorized(c, "Invalid session")
		return primitive.NilObjectID, false
	}
	return id, true
}

// pathID parses an ObjectID path parameter, responding 400 on bad input.
func pathID(c *gin.Context, name string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param(name))
	if err != nil {
		utils.RespondWithBadRequest(c, "Invalid "+name, gin.H{"value": c.Param(name)})
		return primitive.NilObjectID, false
	}
	return id, true
}

// pagination reads limit/offset query params with sane bounds.
func pagination(c *gin.Context) (limit, offset int64) {
	limit = 50
	if v, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// respondServiceError maps engine and store sentinels onto HTTP answers.
// Anything unrecognized is a 500 with the message withheld from the client.
func respondServiceError(c *gin.Context, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.RespondWithNotFound(c, notFoundMsg)
	case errors.Is(err, services.ErrPreconditionFailed):
		utils.RespondWithConflict(c, err.Error())
	case errors.Is(err, services.ErrMalformedRequest):
		utils.RespondWithError(c, 400, "malformed_request", err.Error(), nil)
	case errors.Is(err, store.ErrDuplicate):
		utils.RespondWithError(c, 409, "duplicate", err.Error(), nil)
	default:
		utils.RespondWithInternalError(c, "Internal error", nil)
	}
}

// detectMimeType resolves the upload's mime type from the part header,
// falling back to the filename extension.
func detectMimeType(contentType, filename string) string {
	ct := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return strings.Split(byExt, ";")[0]
	}
	return "application/octet-stream"
}

// mimeAllowed checks the detected type against the configured allowlist.
// A "text/*"-style entry allows the whole family.
func mimeAllowed(mimeType string, allowed []string) bool {
	for _, a := range allowed {
		if a == mimeType {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(mimeType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

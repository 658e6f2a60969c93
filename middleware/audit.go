package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"

	"github.com/gin-gonic/gin"
)

// AuditLogger drains audit events to the store through a single goroutine.
// Chain appends read the tail hash before inserting, so they must never
// run concurrently.
type AuditLogger struct {
	store store.AuditStore
	ch    chan *models.AuditEvent
	done  chan struct{}
}

func NewAuditLogger(st store.AuditStore) *AuditLogger {
	l := &AuditLogger{
		store: st,
		ch:    make(chan *models.AuditEvent, 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AuditLogger) run() {
	defer close(l.done)
	for event := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.store.Append(ctx, event); err != nil {
			logger.Error("audit append failed",
				"action", event.Action,
				"resource", event.Resource,
				"error", err)
		}
		cancel()
	}
}

// LogAsync queues an event without blocking the request. When the buffer
// is full the event is dropped; stalling live traffic is worse than a
// gap in the trail.
func (l *AuditLogger) LogAsync(event *models.AuditEvent) {
	select {
	case l.ch <- event:
	default:
		logger.Warn("audit buffer full, dropping event",
			"action", event.Action,
			"resource", event.Resource)
	}
}

// Close flushes queued events and stops the writer.
func (l *AuditLogger) Close() {
	close(l.ch)
	<-l.done
}

// AuditMiddleware records every API request as a hash-chained audit event.
func AuditMiddleware(auditor *AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "/health" || path == "/ready" || path == "" {
			c.Next()
			return
		}

		// Body is captured up front because handlers consume it.
		// Multipart uploads are skipped; file bytes do not belong in
		// the audit trail.
		var bodyBytes []byte
		if c.Request.Body != nil {
			ct := c.Request.Header.Get("Content-Type")
			if !strings.HasPrefix(ct, "multipart/") {
				limited := io.LimitReader(c.Request.Body, 1<<20)
				bodyBytes, _ = io.ReadAll(limited)
				c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			}
		}

		c.Next()

		auditor.LogAsync(buildAuditEvent(c, bodyBytes))
	}
}

func buildAuditEvent(c *gin.Context, bodyBytes []byte) *models.AuditEvent {
	event := &models.AuditEvent{
		Timestamp: time.Now(),
		UserID:    GetUserID(c),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		RequestID: GetRequestID(c),
		Success:   c.Writer.Status() < 400,
	}

	event.Action = auditAction(c)
	event.Resource, event.ResourceID = auditResource(c)

	if !event.Success {
		if last := c.Errors.Last(); last != nil {
			event.ErrorMessage = last.Error()
		} else {
			event.ErrorMessage = "HTTP " + strconv.Itoa(c.Writer.Status())
		}
	}

	event.Details = auditDetails(bodyBytes, event.Action)

	return event
}

func auditAction(c *gin.Context) string {
	if strings.Contains(c.FullPath(), "/search") {
		return "SEARCH"
	}
	switch c.Request.Method {
	case "GET":
		return "READ"
	case "POST":
		return "CREATE"
	case "PUT", "PATCH":
		return "UPDATE"
	case "DELETE":
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// auditResource derives the resource name from the matched route template,
// e.g. /api/documents/:id becomes ("document", <id>).
func auditResource(c *gin.Context) (string, string) {
	segments := strings.Split(strings.Trim(c.FullPath(), "/"), "/")

	resource := "unknown"
	for i, seg := range segments {
		if seg == "api" && i+1 < len(segments) {
			resource = strings.TrimSuffix(segments[i+1], "s")
			break
		}
	}

	id := c.Param("id")
	if id == "" {
		id = c.Param("task_id")
	}
	return resource, id
}

// auditDetails keeps the mutated fields of write requests, with secrets
// redacted. Reads and deletes carry no body worth keeping.
func auditDetails(bodyBytes []byte, action string) map[string]any {
	if len(bodyBytes) == 0 || action == "READ" || action == "DELETE" {
		return nil
	}

	var body map[string]any
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return nil
	}

	for key := range body {
		if isSensitiveField(key) {
			body[key] = "[REDACTED]"
		}
	}
	return body
}

func isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, sensitive := range []string{"password", "token", "secret", "key"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

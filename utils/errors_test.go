package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRespondWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondWithError(c, http.StatusBadRequest, "bad_request", "file too large", map[string]string{"limit": "50MB"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ErrorCode != "bad_request" || body.Message != "file too large" {
		t.Fatalf("body: %+v", body)
	}
	if body.Details == nil {
		t.Fatal("details should round-trip")
	}
}

func TestErrorResponders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		send   func(*gin.Context)
		status int
		code   string
	}{
		{"bad request", func(c *gin.Context) { RespondWithBadRequest(c, "m", nil) }, http.StatusBadRequest, "bad_request"},
		{"unauthorized", func(c *gin.Context) { RespondWithUnauthorized(c, "m") }, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", func(c *gin.Context) { RespondWithForbidden(c, "m") }, http.StatusForbidden, "forbidden"},
		{"not found", func(c *gin.Context) { RespondWithNotFound(c, "m") }, http.StatusNotFound, "not_found"},
		{"conflict", func(c *gin.Context) { RespondWithConflict(c, "m") }, http.StatusConflict, "precondition_failed"},
		{"unprocessable", func(c *gin.Context) { RespondWithUnprocessable(c, "m", nil) }, http.StatusUnprocessableEntity, "unprocessable_input"},
		{"internal", func(c *gin.Context) { RespondWithInternalError(c, "m", nil) }, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			tc.send(c)

			if w.Code != tc.status {
				t.Fatalf("status: got %d, want %d", w.Code, tc.status)
			}
			var body ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.ErrorCode != tc.code {
				t.Fatalf("error code: got %q, want %q", body.ErrorCode, tc.code)
			}
			if strings.Contains(w.Body.String(), `"details"`) {
				t.Fatal("nil details should be omitted from the body")
			}
		})
	}
}

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/services"
	"saas-knowledge-platform/utils"
)

func testContext(t *testing.T, target string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, w
}

func TestPagination(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		limit  int64
		offset int64
	}{
		{"defaults", "/x", 50, 0},
		{"explicit", "/x?limit=10&offset=5", 10, 5},
		{"limit of zero ignored", "/x?limit=0", 50, 0},
		{"limit above cap ignored", "/x?limit=300", 50, 0},
		{"negative limit ignored", "/x?limit=-5", 50, 0},
		{"negative offset ignored", "/x?offset=-1", 50, 0},
		{"garbage ignored", "/x?limit=ten&offset=zero", 50, 0},
		{"cap boundary", "/x?limit=200", 200, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := testContext(t, tc.query)
			limit, offset := pagination(c)
			if limit != tc.limit || offset != tc.offset {
				t.Fatalf("pagination(%q) = (%d, %d), want (%d, %d)", tc.query, limit, offset, tc.limit, tc.offset)
			}
		})
	}
}

func TestDetectMimeType(t *testing.T) {
	cases := []struct {
		contentType string
		filename    string
		want        string
	}{
		{"text/plain; charset=utf-8", "whatever.bin", "text/plain"},
		{"application/pdf", "doc.pdf", "application/pdf"},
		{"", "doc.pdf", "application/pdf"},
		{"", "index.html", "text/html"},
		{"application/octet-stream", "image.png", "image/png"},
		{"", "mystery.zzz9", "application/octet-stream"},
		{"application/octet-stream", "mystery.zzz9", "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := detectMimeType(tc.contentType, tc.filename); got != tc.want {
			t.Fatalf("detectMimeType(%q, %q) = %q, want %q", tc.contentType, tc.filename, got, tc.want)
		}
	}
}

func TestMimeAllowed(t *testing.T) {
	allowed := []string{"application/pdf", "text/*"}

	cases := []struct {
		mime string
		want bool
	}{
		{"application/pdf", true},
		{"text/plain", true},
		{"text/markdown", true},
		{"image/png", false},
		{"application/zip", false},
	}
	for _, tc := range cases {
		if got := mimeAllowed(tc.mime, allowed); got != tc.want {
			t.Fatalf("mimeAllowed(%q) = %v, want %v", tc.mime, got, tc.want)
		}
	}

	if mimeAllowed("text/plain", nil) {
		t.Fatal("empty allowlist should reject everything")
	}
}

func TestRespondServiceError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound, "not_found"},
		{"wrapped not found", fmt.Errorf("load document: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{"precondition", fmt.Errorf("%w: no extraction yet", services.ErrPreconditionFailed), http.StatusConflict, "precondition_failed"},
		{"malformed", fmt.Errorf("%w: query text or image required", services.ErrMalformedRequest), http.StatusBadRequest, "malformed_request"},
		{"duplicate", fmt.Errorf("%w: already registered", store.ErrDuplicate), http.StatusConflict, "duplicate"},
		{"unknown", errors.New("disk exploded"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, w := testContext(t, "/x")
			respondServiceError(c, tc.err, "missing")

			if w.Code != tc.status {
				t.Fatalf("status: got %d, want %d", w.Code, tc.status)
			}
			var body utils.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.ErrorCode != tc.code {
				t.Fatalf("error code: got %q, want %q", body.ErrorCode, tc.code)
			}
		})
	}

	t.Run("internal detail withheld", func(t *testing.T) {
		c, w := testContext(t, "/x")
		respondServiceError(c, errors.New("dsn=mongodb://secret"), "missing")
		if strings.Contains(w.Body.String(), "secret") {
			t.Fatalf("internal error leaked detail: %s", w.Body.String())
		}
	})
}

func TestRequesterID(t *testing.T) {
	valid := primitive.NewObjectID()

	c, _ := testContext(t, "/x")
	c.Set("user_id", valid.Hex())
	id, ok := requesterID(c)
	if !ok || id != valid {
		t.Fatalf("requesterID: got (%v, %v)", id, ok)
	}

	c, w := testContext(t, "/x")
	c.Set("user_id", "not-an-object-id")
	if _, ok := requesterID(c); ok {
		t.Fatal("malformed session id should fail")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", w.Code)
	}
}

func TestPathID(t *testing.T) {
	valid := primitive.NewObjectID()

	c, _ := testContext(t, "/x")
	c.Params = gin.Params{{Key: "id", Value: valid.Hex()}}
	id, ok := pathID(c, "id")
	if !ok || id != valid {
		t.Fatalf("pathID: got (%v, %v)", id, ok)
	}

	c, w := testContext(t, "/x")
	c.Params = gin.Params{{Key: "id", Value: "zzz"}}
	if _, ok := pathID(c, "id"); ok {
		t.Fatal("malformed path id should fail")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", w.Code)
	}
}

package models

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestBackgroundTaskTerminal(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{"", false},
	}
	for _, tc := range cases {
		task := BackgroundTask{Status: tc.status}
		if got := task.Terminal(); got != tc.want {
			t.Fatalf("Terminal() with status %q = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestExtractionSessionTerminal(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{ExtractionStatusRunning, false},
		{ExtractionStatusSuccess, true},
		{ExtractionStatusPartial, true},
		{ExtractionStatusFailed, true},
		{"", false},
	}
	for _, tc := range cases {
		sess := ExtractionSession{Status: tc.status}
		if got := sess.Terminal(); got != tc.want {
			t.Fatalf("Terminal() with status %q = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestPermissionLevelNames(t *testing.T) {
	cases := []struct {
		level PermissionLevel
		name  string
	}{
		{PermissionOwner, "owner"},
		{PermissionEditor, "editor"},
		{PermissionViewer, "viewer"},
		{PermissionNone, "none"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.name {
			t.Fatalf("String() = %q, want %q", got, tc.name)
		}
		if got := ParsePermissionLevel(tc.name); got != tc.level {
			t.Fatalf("ParsePermissionLevel(%q) = %v, want %v", tc.name, got, tc.level)
		}
	}

	if got := ParsePermissionLevel("superuser"); got != PermissionNone {
		t.Fatalf("unknown name should parse to none, got %v", got)
	}
}

func TestPermissionLevelOrdering(t *testing.T) {
	if !(PermissionOwner > PermissionEditor && PermissionEditor > PermissionViewer && PermissionViewer > PermissionNone) {
		t.Fatal("permission levels must be strictly ordered")
	}
}

func TestAuthContextPermissions(t *testing.T) {
	granted := primitive.NewObjectID()
	other := primitive.NewObjectID()

	cases := []struct {
		name    string
		level   PermissionLevel
		canView bool
		canEdit bool
	}{
		{"viewer", PermissionViewer, true, false},
		{"editor", PermissionEditor, true, true},
		{"owner", PermissionOwner, true, true},
		{"none", PermissionNone, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &AuthContext{
				UserID:     primitive.NewObjectID(),
				Containers: map[primitive.ObjectID]PermissionLevel{granted: tc.level},
			}
			if got := auth.CanView(granted); got != tc.canView {
				t.Fatalf("CanView = %v, want %v", got, tc.canView)
			}
			if got := auth.CanEdit(granted); got != tc.canEdit {
				t.Fatalf("CanEdit = %v, want %v", got, tc.canEdit)
			}
			if auth.CanView(other) || auth.CanEdit(other) {
				t.Fatal("ungranted container must not be accessible")
			}
		})
	}

	t.Run("empty context", func(t *testing.T) {
		auth := &AuthContext{UserID: primitive.NewObjectID()}
		if auth.CanView(granted) || auth.CanEdit(granted) {
			t.Fatal("context without grants must not allow access")
		}
	})
}

func TestAuditEventComputeHash(t *testing.T) {
	base := AuditEvent{
		Timestamp:    time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		UserID:       "user-1",
		Action:       "CREATE",
		Resource:     "document",
		ResourceID:   "doc-1",
		Success:      true,
		PreviousHash: "",
	}

	first := base.ComputeHash()
	if len(first) != 64 {
		t.Fatalf("hash length: got %d, want 64", len(first))
	}
	if again := base.ComputeHash(); again != first {
		t.Fatalf("hash not deterministic: %s vs %s", first, again)
	}

	mutations := []struct {
		name   string
		mutate func(e *AuditEvent)
	}{
		{"timestamp", func(e *AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) }},
		{"user", func(e *AuditEvent) { e.UserID = "user-2" }},
		{"action", func(e *AuditEvent) { e.Action = "DELETE" }},
		{"resource", func(e *AuditEvent) { e.Resource = "container" }},
		{"resource id", func(e *AuditEvent) { e.ResourceID = "doc-2" }},
		{"success", func(e *AuditEvent) { e.Success = false }},
		{"previous hash", func(e *AuditEvent) { e.PreviousHash = first }},
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			ev := base
			m.mutate(&ev)
			if ev.ComputeHash() == first {
				t.Fatal("mutated event produced the same hash")
			}
		})
	}

	// Fields outside the chain formula must not affect the hash.
	ev := base
	ev.IPAddress = "10.0.0.1"
	ev.Details = map[string]any{"note": "x"}
	if ev.ComputeHash() != first {
		t.Fatal("non-chained fields changed the hash")
	}
}

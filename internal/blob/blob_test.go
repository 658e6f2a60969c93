package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return store
}

func TestDiskStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	payload := "the quick brown fox jumps over the lazy dog"

	key, size, hash, err := store.Put(ctx, strings.NewReader(payload), ".txt")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasSuffix(key, ".txt") {
		t.Fatalf("key: got %q, want .txt suffix", key)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size: got %d, want %d", size, len(payload))
	}
	sum := sha256.Sum256([]byte(payload))
	if hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash: got %q", hash)
	}

	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("blob contents: got %q", string(data))
	}
}

func TestDiskStoreUniqueKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, _, _, err := store.Put(ctx, strings.NewReader("same bytes"), ".bin")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	second, _, _, err := store.Put(ctx, strings.NewReader("same bytes"), ".bin")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if first == second {
		t.Fatal("each Put should mint a fresh key")
	}
}

func TestDiskStoreRejectsEmptyBlob(t *testing.T) {
	store := newTestStore(t)
	if _, _, _, err := store.Put(context.Background(), strings.NewReader(""), ".txt"); err == nil {
		t.Fatal("empty blob should be rejected")
	}
}

func TestDiskStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "no-such-key.txt")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}

func TestDiskStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, _, _, err := store.Put(ctx, strings.NewReader("delete me"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); err == nil {
		t.Fatal("deleted blob should not be readable")
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestDiskStoreRejectsTraversalKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", `a\b`, "x..y"} {
		if _, err := store.Get(ctx, key); err == nil {
			t.Fatalf("Get(%q) should fail", key)
		}
		if err := store.Delete(ctx, key); err == nil {
			t.Fatalf("Delete(%q) should fail", key)
		}
	}
}

func TestSanitizeExt(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{".txt", ".txt"},
		{"pdf", ".pdf"},
		{" .XLSX ", ".xlsx"},
		{".tar.gz", ""},
		{"../etc", ""},
		{".toolongext", ""},
		{"", ""},
		{".7z", ".7z"},
	}
	for _, tc := range cases {
		if got := sanitizeExt(tc.in); got != tc.want {
			t.Fatalf("sanitizeExt(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// Package blob is the object store gateway. Engines address raw document
// bytes by opaque key only; the disk implementation keeps the layout and
// atomic-write behavior private.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store reads and writes immutable blobs by key.
type Store interface {
	// Put streams r into storage and returns the new key along with the
	// byte count and SHA-256 hex hash computed during the copy.
	Put(ctx context.Context, r io.Reader, ext string) (key string, size int64, hash string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// DiskStore keeps blobs under baseDir, sharded by key prefix. Writes go to
// a temp file first and are renamed into place, so readers never observe a
// partial blob.
type DiskStore struct {
	baseDir string
	tempDir string
}

var _ Store = (*DiskStore)(nil)

func NewDiskStore(baseDir string) (*DiskStore, error) {
	if baseDir == "" {
		baseDir = "./storage"
	}
	blobDir := filepath.Join(baseDir, "blobs")
	tempDir := filepath.Join(baseDir, "temp")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &DiskStore{baseDir: blobDir, tempDir: tempDir}, nil
}

func (s *DiskStore) Put(ctx context.Context, r io.Reader, ext string) (string, int64, string, error) {
	key := uuid.NewString() + sanitizeExt(ext)

	tempPath := filepath.Join(s.tempDir, uuid.NewString()+".tmp")
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tempFile, hasher), r)
	if err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if size == 0 {
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("blob is empty")
	}

	finalPath, err := s.pathFor(key)
	if err != nil {
		os.Remove(tempPath)
		return "", 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("failed to create shard dir: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", 0, "", fmt.Errorf("failed to finalize blob: %w", err)
	}

	return key, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found", key)
		}
		return nil, err
	}
	return f, nil
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// pathFor shards blobs by the first two characters of the key and rejects
// keys that could escape the base directory.
func (s *DiskStore) pathFor(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.baseDir, shard, key), nil
}

// sanitizeExt keeps only a plain lowercase extension, dot included.
func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	if len(ext) > 8 {
		return ""
	}
	return ext
}

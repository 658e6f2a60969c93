package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"
)

const (
	chunkCacheTTL   = 15 * time.Minute
	searchCacheTTL  = 60 * time.Second
	searchEpochKey  = "cache:search:epoch"
	chunkKeyPrefix  = "cache:chunks:doc:"
	searchKeyPrefix = "cache:search:"
)

// ChunkCache keeps hot retrieval data in Redis: per-document chunk lists
// for candidate gathering and whole search responses for repeated queries.
// Entries are compressed above the size floor. A nil cache is a valid
// always-miss cache, so every caller stays nil-safe.
//
// Search entries embed a global epoch that any ingestion write bumps, which
// invalidates all cached responses at once without a reverse index from
// documents to the queries that touched them.
type ChunkCache struct {
	rdb *redis.Client
}

func NewChunkCache(rdb *redis.Client) *ChunkCache {
	if rdb == nil {
		return nil
	}
	return &ChunkCache{rdb: rdb}
}

// cachedChunkList pins the chunk session the list came from, so a stale
// read after a re-chunk is detectable by the caller if it cares.
type cachedChunkList struct {
	SessionID primitive.ObjectID `json:"session_id"`
	Chunks    []models.Chunk     `json:"chunks"`
}

// GetDocumentChunks returns the cached chunk list of the document's current
// session, or a miss.
func (c *ChunkCache) GetDocumentChunks(ctx context.Context, documentID primitive.ObjectID) ([]models.Chunk, bool) {
	if c == nil {
		return nil, false
	}
	var entry cachedChunkList
	if !c.getJSON(ctx, chunkKeyPrefix+documentID.Hex(), &entry) {
		return nil, false
	}
	return entry.Chunks, true
}

// PutDocumentChunks caches the document's current chunk list.
func (c *ChunkCache) PutDocumentChunks(ctx context.Context, documentID, sessionID primitive.ObjectID, chunks []models.Chunk) {
	if c == nil {
		return
	}
	c.putJSON(ctx, chunkKeyPrefix+documentID.Hex(), cachedChunkList{SessionID: sessionID, Chunks: chunks}, chunkCacheTTL)
}

// GetSearch returns a cached response for an identical query under an
// identical authorization snapshot.
func (c *ChunkCache) GetSearch(ctx context.Context, auth *models.AuthContext, req models.SearchRequest) (*models.SearchResponse, bool) {
	if c == nil {
		return nil, false
	}
	key, err := c.searchKey(ctx, auth, req)
	if err != nil {
		return nil, false
	}
	var resp models.SearchResponse
	if !c.getJSON(ctx, key, &resp) {
		return nil, false
	}
	return &resp, true
}

// PutSearch caches a search response under the current epoch.
func (c *ChunkCache) PutSearch(ctx context.Context, auth *models.AuthContext, req models.SearchRequest, resp *models.SearchResponse) {
	if c == nil || resp == nil {
		return
	}
	key, err := c.searchKey(ctx, auth, req)
	if err != nil {
		return
	}
	c.putJSON(ctx, key, resp, searchCacheTTL)
}

// InvalidateSearches bumps the search epoch, orphaning every cached
// response. Used when the retrieval policy changes.
func (c *ChunkCache) InvalidateSearches(ctx context.Context) {
	if c == nil {
		return
	}
	if err := c.rdb.Incr(ctx, searchEpochKey).Err(); err != nil {
		logger.Warn("search cache invalidation failed", "error", err)
	}
}

// InvalidateDocument drops the document's chunk list and bumps the search
// epoch, orphaning every cached response until its short TTL reaps it.
func (c *ChunkCache) InvalidateDocument(ctx context.Context, documentID primitive.ObjectID) {
	if c == nil {
		return
	}
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, chunkKeyPrefix+documentID.Hex())
	pipe.Incr(ctx, searchEpochKey)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("cache invalidation failed", "document_id", documentID.Hex(), "error", err)
	}
}

// searchKey fingerprints the request together with the requester's viewable
// container set. Two requesters with the same visibility share entries;
// anyone with different visibility can never hit the other's entry.
func (c *ChunkCache) searchKey(ctx context.Context, auth *models.AuthContext, req models.SearchRequest) (string, error) {
	epoch, err := c.rdb.Get(ctx, searchEpochKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}

	visible := make([]string, 0, len(auth.Containers))
	for id, level := range auth.Containers {
		if level >= models.PermissionViewer {
			visible = append(visible, id.Hex())
		}
	}
	sort.Strings(visible)

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(reqJSON)
	h.Write([]byte(strings.Join(visible, ",")))
	return fmt.Sprintf("%s%d:%x", searchKeyPrefix, epoch, h.Sum(nil)), nil
}

func (c *ChunkCache) getJSON(ctx context.Context, key string, out any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	data, err := decodeCachePayload(raw)
	if err != nil {
		logger.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

func (c *ChunkCache) putJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	payload, err := encodeCachePayload(data)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Cache payloads are "<algorithm>|<bytes>"; the prefix keeps old entries
// readable if the compression policy changes.
func encodeCachePayload(data []byte) ([]byte, error) {
	alg := utils.GetBestCompression(data)
	compressed, err := utils.CompressData(data, alg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(alg)+1+len(compressed))
	out = append(out, alg...)
	out = append(out, '|')
	return append(out, compressed...), nil
}

func decodeCachePayload(raw []byte) ([]byte, error) {
	sep := -1
	for i, b := range raw {
		if b == '|' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, fmt.Errorf("missing algorithm prefix")
	}
	return utils.DecompressData(raw[sep+1:], utils.CompressionAlgorithm(raw[:sep]))
}

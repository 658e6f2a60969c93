package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// LocalEmbedder produces deterministic embeddings without network calls.
// Tokens are hashed into buckets and the vector is L2 normalized; identical
// text always yields an identical vector. Used in development and tests
// where the Gemini backend is unavailable.
type LocalEmbedder struct {
	dimension int
}

var _ EmbeddingProvider = (*LocalEmbedder)(nil)

func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 768
	}
	return &LocalEmbedder{dimension: dimension}
}

func (e *LocalEmbedder) Model() string { return "local-sim" }

func (e *LocalEmbedder) Dimension() int { return e.dimension }

func (e *LocalEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = e.embed(text)
	}
	return vectors, nil
}

func (e *LocalEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	vectors := make([][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// No caption model locally; hash raw bytes so re-embedding the
		// same image converges on the same vector.
		vectors[i] = e.embed(fmt.Sprintf("image:%x", fnvSum(img)))
	}
	return vectors, nil
}

func (e *LocalEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dimension)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		vec[0] = 1.0
		return vec
	}

	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dimension))
		sign := float32(1.0)
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec
	}
	scale := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func fnvSum(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

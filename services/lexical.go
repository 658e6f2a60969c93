package services

import (
	"math"
	"strings"
)

// lexicalIndex is a TF-IDF index over one query's authorized candidate set.
// Candidates are few enough after auth filtering that building it per query
// keeps retrieval lock-free against ingestion writes.
type lexicalIndex struct {
	vectors []map[string]float64 // per-doc normalized tf-idf weights
	idf     map[string]float64
}

const tokenTrimSet = ".,;:!?()[]{}\"'`"

// lexicalTokens lowercases and strips edge punctuation, keeping inner
// apostrophes and hyphens intact.
func lexicalTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, tokenTrimSet)
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// buildLexicalIndex computes smoothed IDF over the candidate texts and one
// L2-normalized tf-idf vector per text. No stopword list: smoothing already
// floors ubiquitous terms at the minimum weight, and dropping them would
// zero out legitimate short queries.
func buildLexicalIndex(texts []string) *lexicalIndex {
	n := len(texts)
	counts := make([]map[string]float64, n)
	df := make(map[string]int)

	for i, text := range texts {
		tf := make(map[string]float64)
		for _, tok := range lexicalTokens(text) {
			tf[tok]++
		}
		counts[i] = tf
		for tok := range tf {
			df[tok]++
		}
	}

	idf := make(map[string]float64, len(df))
	for tok, d := range df {
		idf[tok] = math.Log(float64(1+n)/float64(1+d)) + 1
	}

	vectors := make([]map[string]float64, n)
	for i, tf := range counts {
		vec := make(map[string]float64, len(tf))
		var sumSq float64
		for tok, count := range tf {
			w := count * idf[tok]
			vec[tok] = w
			sumSq += w * w
		}
		if norm := math.Sqrt(sumSq); norm > 0 {
			for tok := range vec {
				vec[tok] /= norm
			}
		}
		vectors[i] = vec
	}
	return &lexicalIndex{vectors: vectors, idf: idf}
}

// scores returns the cosine similarity of the query against every candidate,
// aligned by index. Query terms absent from the corpus are ignored so they
// cannot drag every score below a threshold floor.
func (ix *lexicalIndex) scores(query string) []float64 {
	out := make([]float64, len(ix.vectors))

	qtf := make(map[string]float64)
	for _, tok := range lexicalTokens(query) {
		if _, known := ix.idf[tok]; known {
			qtf[tok]++
		}
	}
	if len(qtf) == 0 {
		return out
	}

	var sumSq float64
	for tok, count := range qtf {
		w := count * ix.idf[tok]
		qtf[tok] = w
		sumSq += w * w
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return out
	}
	for tok := range qtf {
		qtf[tok] /= norm
	}

	for i, vec := range ix.vectors {
		var dot float64
		for tok, qw := range qtf {
			if dw, ok := vec[tok]; ok {
				dot += qw * dw
			}
		}
		out[i] = dot
	}
	return out
}

// Package mock provides a deterministic embedder.Provider for tests and
// offline development. No network calls are made.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
)

// Embedder generates deterministic embeddings from a hash of the input text.
// Identical texts always produce identical vectors, so similarity search
// self-retrieval works without a real model.
type Embedder struct {
	dimensions int

	// calls counts provider-level Embed/EmbedBatch invocations, letting
	// tests assert cache dedup behavior.
	calls atomic.Int64
}

// New creates a mock embedder producing vectors of the given dimension.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic unit vector from a hash of text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.vectorFor(text), nil
}

// EmbedBatch embeds each text deterministically.
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = m.vectorFor(text)
	}
	return vecs, nil
}

// Dimensions returns the vector dimension.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Close is a no-op.
func (m *Embedder) Close() error {
	return nil
}

// Calls returns the number of provider-level invocations so far.
func (m *Embedder) Calls() int64 {
	return m.calls.Load()
}

func (m *Embedder) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))

	// LCG seeded by the text hash gives stable pseudo-random components.
	seed := h.Sum64()
	vec := make([]float32, m.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// MockEmbedder is a deterministic, dependency-free EmbeddingProvider
// for tests: each text hashes to a fixed-dimension vector, so the same
// input always embeds to the same output without calling out to a real
// embedding model.
type MockEmbedder struct {
	dim int
}

// NewMockEmbedder builds a MockEmbedder producing vectors of dimension dim.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim}
}

func (m *MockEmbedder) Dimension() int { return m.dim }

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashEmbed(text, m.dim)
	}
	return out, nil
}

func hashEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	for i := 0; i < dim; i++ {
		b := seed[i%len(seed):]
		v := binary.BigEndian.Uint32(padTo4(b))
		vec[i] = float32(v%1000)/1000 - 0.5
	}
	return vec
}

func padTo4(b []byte) []byte {
	out := make([]byte, 4)
	n := copy(out, b)
	_ = n
	return out
}

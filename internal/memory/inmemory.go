package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a Store implementation with no on-disk footprint,
// used by component tests that need a Notes Store without pulling in
// bleve or sqlite.
type InMemoryStore struct {
	mu       sync.RWMutex
	notes    map[string]*Note
	vectors  map[string][]float32
	embedder EmbeddingProvider
}

// NewInMemoryStore builds an InMemoryStore backed by embedder.
func NewInMemoryStore(embedder EmbeddingProvider) *InMemoryStore {
	return &InMemoryStore{
		notes:    make(map[string]*Note),
		vectors:  make(map[string][]float32),
		embedder: embedder,
	}
}

func (s *InMemoryStore) Remember(ctx context.Context, content string, meta NoteMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	embeddings, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return err
	}

	id := uuid.New().String()
	s.notes[id] = &Note{
		ID:        id,
		Content:   content,
		Category:  meta.Category,
		AgentID:   meta.AgentID,
		CreatedAt: time.Now(),
	}
	s.vectors[id] = embeddings[0]
	return nil
}

func (s *InMemoryStore) Recall(ctx context.Context, query string, opts RecallOpts) ([]NoteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.notes) == 0 {
		return nil, nil
	}

	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := embeddings[0]

	var results []NoteResult
	for id, note := range s.notes {
		vec, ok := s.vectors[id]
		if !ok {
			continue
		}
		score := cosineSimilarity(queryVec, vec)
		if score < opts.MinScore {
			continue
		}
		if opts.TimeRange != nil {
			if note.CreatedAt.Before(opts.TimeRange.Start) || note.CreatedAt.After(opts.TimeRange.End) {
				continue
			}
		}
		results = append(results, NoteResult{Note: *note, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	limit := opts.Limit
	if limit == 0 {
		limit = 10
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *InMemoryStore) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
	delete(s.vectors, id)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

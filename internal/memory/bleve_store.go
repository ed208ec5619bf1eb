package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// BleveStore implements Store with a BM25 full-text index, one per run.
// It is the default backing for notes_search when a run has no
// sqlite-vec-backed SQLiteStore configured.
type BleveStore struct {
	mu       sync.RWMutex
	index    bleve.Index
	basePath string
}

// BleveStoreConfig configures a run-scoped Bleve store.
type BleveStoreConfig struct {
	// BasePath is strix_runs/<run>/notes.
	BasePath string
}

// noteDocument is the shape indexed in Bleve, distinct from Note so the
// on-disk schema can evolve independently of the public struct.
type noteDocument struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	AgentID   string    `json:"agent_id"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBleveStore opens (or creates) the notes index under cfg.BasePath.
func NewBleveStore(cfg BleveStoreConfig) (*BleveStore, error) {
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("create notes directory: %w", err)
	}

	indexPath := filepath.Join(cfg.BasePath, "notes.bleve")

	var index bleve.Index
	var err error
	if _, statErr := os.Stat(indexPath); os.IsNotExist(statErr) {
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create bleve index: %w", err)
		}
	} else {
		index, err = bleve.Open(indexPath)
		if err != nil {
			return nil, fmt.Errorf("open bleve index: %w", err)
		}
	}

	return &BleveStore{index: index, basePath: cfg.BasePath}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	noteMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	noteMapping.AddFieldMappingsAt("content", textFieldMapping)
	noteMapping.AddFieldMappingsAt("category", keywordFieldMapping)
	noteMapping.AddFieldMappingsAt("agent_id", keywordFieldMapping)
	noteMapping.AddFieldMappingsAt("keywords", textFieldMapping)
	noteMapping.AddFieldMappingsAt("created_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = noteMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Remember indexes one note.
func (s *BleveStore) Remember(ctx context.Context, content string, meta NoteMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	doc := noteDocument{
		ID:        id,
		Content:   content,
		Category:  meta.Category,
		AgentID:   meta.AgentID,
		Keywords:  extractKeywords(content),
		CreatedAt: time.Now(),
	}
	if err := s.index.Index(id, doc); err != nil {
		return fmt.Errorf("index note: %w", err)
	}
	return nil
}

// Recall runs a BM25 match query over note content.
func (s *BleveStore) Recall(ctx context.Context, queryText string, opts RecallOpts) ([]NoteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	searchReq := bleve.NewSearchRequest(bleve.NewMatchQuery(queryText))
	searchReq.Size = limit * 2
	searchReq.Fields = []string{"*"}

	searchResult, err := s.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}

	var results []NoteResult
	for _, hit := range searchResult.Hits {
		score := float32(hit.Score)
		if score > 1 {
			score = 1 - (1 / (1 + score))
		}
		if score < opts.MinScore {
			continue
		}

		content, _ := hit.Fields["content"].(string)
		category, _ := hit.Fields["category"].(string)
		agentID, _ := hit.Fields["agent_id"].(string)

		results = append(results, NoteResult{
			Note: Note{
				ID:       hit.ID,
				Content:  content,
				Category: category,
				AgentID:  agentID,
			},
			Score: score,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Forget removes a note from the index.
func (s *BleveStore) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Delete(id)
}

// Close closes the Bleve index; the run's notes directory is removed
// by the caller when the run itself is cleaned up.
func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"this": true, "that": true, "these": true, "those": true, "it": true,
}

// extractKeywords is a simple tokenizer used to populate the keywords
// field so notes_search can match on content without depending on an
// external NLP library — Bleve's own analyzer already tokenizes
// "content" for BM25, this only feeds the coarser keyword field.
func extractKeywords(text string) []string {
	text = strings.ToLower(text)
	for _, p := range []string{".", ",", "!", "?", ":", ";", "(", ")", "[", "]", "{", "}", "\"", "'", "-", "_", "/", "\\"} {
		text = strings.ReplaceAll(text, p, " ")
	}
	words := strings.Fields(text)
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range words {
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

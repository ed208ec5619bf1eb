package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteStore implements Store with sqlite-vec for vector similarity
// search over a run's notes, used when a scan configures an embedding
// provider (otherwise BleveStore's BM25 search is enough).
type SQLiteStore struct {
	db        *sql.DB
	embedder  EmbeddingProvider
	dimension int
}

// SQLiteConfig configures a run-scoped SQLiteStore.
type SQLiteConfig struct {
	Path     string // strix_runs/<run>/notes/notes.db
	Embedder EmbeddingProvider
}

// NewSQLiteStore opens (or creates) the notes database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:        db,
		embedder:  cfg.Embedder,
		dimension: cfg.Embedder.Dimension(),
	}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	var vecVersion string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("sqlite-vec not loaded: %w", err)
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		category TEXT,
		agent_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS note_vectors USING vec0(
		id TEXT PRIMARY KEY,
		embedding FLOAT[%d]
	);

	CREATE INDEX IF NOT EXISTS idx_notes_agent ON notes(agent_id);
	CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);
	`, s.dimension)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Remember embeds content and stores it alongside meta.
func (s *SQLiteStore) Remember(ctx context.Context, content string, meta NoteMetadata) error {
	embeddings, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed note: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return fmt.Errorf("empty embedding returned")
	}

	id := uuid.New().String()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notes (id, content, category, agent_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, content, meta.Category, meta.AgentID, now,
	); err != nil {
		return fmt.Errorf("insert note: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO note_vectors (id, embedding) VALUES (?, ?)`,
		id, serializeEmbedding(embeddings[0]),
	); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	return tx.Commit()
}

// Recall runs a sqlite-vec nearest-neighbor search over note embeddings.
func (s *SQLiteStore) Recall(ctx context.Context, query string, opts RecallOpts) ([]NoteResult, error) {
	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.content, n.category, n.agent_id, n.created_at, v.distance
		FROM note_vectors v
		JOIN notes n ON v.id = n.id
		WHERE v.embedding MATCH ?
		  AND k = ?
		ORDER BY v.distance
	`, serializeEmbedding(embeddings[0]), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []NoteResult
	for rows.Next() {
		var n NoteResult
		var distance float32
		if err := rows.Scan(&n.ID, &n.Content, &n.Category, &n.AgentID, &n.CreatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if distance < 0 {
			distance = 0
		}
		n.Score = 1.0 / (1.0 + distance)

		if opts.MinScore > 0 && n.Score < opts.MinScore {
			continue
		}
		if opts.TimeRange != nil {
			if n.CreatedAt.Before(opts.TimeRange.Start) || n.CreatedAt.After(opts.TimeRange.End) {
				continue
			}
		}
		results = append(results, n)
	}
	return results, nil
}

// Forget deletes a note and its embedding.
func (s *SQLiteStore) Forget(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM note_vectors WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying sqlite connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// serializeEmbedding converts a float32 slice to sqlite-vec's wire format.
func serializeEmbedding(embedding []float32) []byte {
	data, _ := sqlite_vec.SerializeFloat32(embedding)
	return data
}

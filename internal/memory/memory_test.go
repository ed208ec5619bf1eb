package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMockEmbedder(t *testing.T) {
	embedder := NewMockEmbedder(384)

	embeddings, err := embedder.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(embeddings) != 2 {
		t.Errorf("expected 2 embeddings, got %d", len(embeddings))
	}
	if len(embeddings[0]) != 384 {
		t.Errorf("expected dimension 384, got %d", len(embeddings[0]))
	}

	embeddings2, _ := embedder.Embed(context.Background(), []string{"hello"})
	for i := 0; i < len(embeddings[0]); i++ {
		if embeddings[0][i] != embeddings2[0][i] {
			t.Error("mock embedder should be deterministic")
			break
		}
	}
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	tmpDir, err := os.MkdirTemp("", "memory-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStore(SQLiteConfig{
		Path:     filepath.Join(tmpDir, "notes.db"),
		Embedder: NewMockEmbedder(128),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRememberRecall(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Remember(ctx, "the admin panel is reachable without authentication", NoteMetadata{
		AgentID:  "agent-1",
		Category: "finding",
	}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	if err := store.Remember(ctx, "we decided to pivot to the checkout flow next", NoteMetadata{
		AgentID: "agent-1",
	}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	results, err := store.Recall(ctx, "admin panel authentication", RecallOpts{Limit: 10})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) < 1 {
		t.Error("expected at least 1 result")
	}
	for _, r := range results {
		if r.ID == "" {
			t.Error("result should have ID")
		}
		if r.Content == "" {
			t.Error("result should have content")
		}
	}
}

func TestSQLiteStoreForget(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Remember(ctx, "note to forget", NoteMetadata{AgentID: "agent-1"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	results, err := store.Recall(ctx, "forget", RecallOpts{Limit: 1})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least 1 result")
	}
	id := results[0].ID

	if err := store.Forget(ctx, id); err != nil {
		t.Fatalf("forget failed: %v", err)
	}

	results, err = store.Recall(ctx, "forget", RecallOpts{Limit: 1})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	for _, r := range results {
		if r.ID == id {
			t.Error("note should have been forgotten")
		}
	}
}

package memory

import (
	"context"
	"os"
	"testing"
)

func TestBleveStoreRememberRecall(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "bleve-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewBleveStore(BleveStoreConfig{BasePath: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if err := store.Remember(ctx, "the login endpoint accepts an unauthenticated admin token", NoteMetadata{
		AgentID:  "agent-1",
		Category: "finding",
	}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	if err := store.Remember(ctx, "we decided to focus on the checkout service next", NoteMetadata{
		AgentID: "agent-1",
	}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	results, err := store.Recall(ctx, "admin token", RecallOpts{Limit: 10})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) < 1 {
		t.Fatal("expected at least 1 result")
	}
	for _, r := range results {
		if r.ID == "" {
			t.Error("result should have ID")
		}
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score should be 0-1, got %f", r.Score)
		}
	}
}

func TestBleveStoreForget(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "bleve-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewBleveStore(BleveStoreConfig{BasePath: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Remember(ctx, "note to forget about later", NoteMetadata{AgentID: "agent-1"}); err != nil {
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

	results, err = store.Recall(ctx, "forget", RecallOpts{Limit: 10})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	for _, r := range results {
		if r.ID == id {
			t.Error("note should have been forgotten")
		}
	}
}

func TestBleveStorePersistsAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "bleve-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	store1, err := NewBleveStore(BleveStoreConfig{BasePath: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store1.Remember(ctx, "this note should persist across restarts", NoteMetadata{AgentID: "agent-1"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	store1.Close()

	store2, err := NewBleveStore(BleveStoreConfig{BasePath: tmpDir})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()

	results, err := store2.Recall(ctx, "persist", RecallOpts{Limit: 10})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected persisted note to survive restart")
	}
}

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		input    string
		expected int // minimum expected keywords
	}{
		{"The user prefers dark mode", 3},
		{"PostgreSQL database decision", 3},
		{"a the an", 0},
		{"", 0},
	}

	for _, tc := range tests {
		keywords := extractKeywords(tc.input)
		if len(keywords) < tc.expected {
			t.Errorf("extractKeywords(%q): expected at least %d keywords, got %d: %v",
				tc.input, tc.expected, len(keywords), keywords)
		}
	}
}

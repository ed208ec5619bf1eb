package memory

import "context"

// NotesAdapter adapts a Store to the narrow shape the notes_write and
// notes_search tool handlers call through, so the registry package
// never has to import bleve/sqlite types directly.
type NotesAdapter struct {
	store Store
}

// NewNotesAdapter wraps store for use by the notes_write/notes_search
// tool handlers.
func NewNotesAdapter(store Store) *NotesAdapter {
	return &NotesAdapter{store: store}
}

// ToolNoteResult is the shape a tool handler serialises into the
// model-visible tool result.
type ToolNoteResult struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	Category string  `json:"category,omitempty"`
	Score    float32 `json:"score"`
}

// Write stores one note on behalf of agentID (the notes_write handler).
func (a *NotesAdapter) Write(ctx context.Context, agentID, content, category string) error {
	return a.store.Remember(ctx, content, NoteMetadata{AgentID: agentID, Category: category})
}

// Search runs notes_search and returns up to limit ranked results.
func (a *NotesAdapter) Search(ctx context.Context, query string, limit int) ([]ToolNoteResult, error) {
	results, err := a.store.Recall(ctx, query, RecallOpts{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]ToolNoteResult, len(results))
	for i, r := range results {
		out[i] = ToolNoteResult{ID: r.ID, Content: r.Content, Category: r.Category, Score: r.Score}
	}
	return out, nil
}

// Close closes the underlying store, releasing the run's notes database.
func (a *NotesAdapter) Close() error {
	return a.store.Close()
}

// Package memory defines the long-term memory backend contract and a local
// file-backed implementation. Vector stores can plug in behind the same
// interface.
package memory

import "context"

// Entry is one stored memory.
type Entry struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Source   string         `json:"source,omitempty"` // e.g. session key
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"-"` // relevance, set on search results
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Limit  int
	Source string
	Tags   []string
}

// Backend is the storage contract for long-term memory.
type Backend interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]Entry, error)
	Store(ctx context.Context, entry Entry) (string, error)
	StoreMessages(ctx context.Context, source string, contents []string) error
	Delete(ctx context.Context, id string) error
	DeleteBySource(ctx context.Context, source string) error
	Health(ctx context.Context) error
}

package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	return NewLocal(path), path
}

func TestStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t)

	id, err := l.Store(ctx, Entry{Content: "the deploy runs at midnight", Source: "cli:local"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == "" {
		t.Error("Store returned empty id")
	}
	if _, err := l.Store(ctx, Entry{Content: "lunch is at noon", Source: "cli:local"}); err != nil {
		t.Fatal(err)
	}

	got, err := l.Search(ctx, "deploy midnight", SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("results = %+v", got)
	}
	if got[0].Score != 1 {
		t.Errorf("score = %v, want 1 (both terms hit)", got[0].Score)
	}
}

func TestSearchRanksByTermCoverage(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t)

	if _, err := l.Store(ctx, Entry{ID: "partial", Content: "backup schedule"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Store(ctx, Entry{ID: "full", Content: "backup schedule runs nightly"}); err != nil {
		t.Fatal(err)
	}

	got, err := l.Search(ctx, "backup nightly", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "full" || got[1].ID != "partial" {
		t.Errorf("ranking = %+v", got)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t)

	if _, err := l.Store(ctx, Entry{ID: "a", Content: "note about cats", Source: "s1", Tags: []string{"pets"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Store(ctx, Entry{ID: "b", Content: "note about cats", Source: "s2"}); err != nil {
		t.Fatal(err)
	}

	got, err := l.Search(ctx, "cats", SearchOptions{Source: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("source filter: %+v", got)
	}

	got, err = l.Search(ctx, "cats", SearchOptions{Tags: []string{"pets", "other"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("tag filter: %+v", got)
	}

	got, err = l.Search(ctx, "cats", SearchOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("limit ignored: %d results", len(got))
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLocal(t)

	if _, err := l.Store(ctx, Entry{Content: "durable fact"}); err != nil {
		t.Fatal(err)
	}

	fresh := NewLocal(path)
	got, err := fresh.Search(ctx, "durable", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "durable fact" {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	content := `{"id":"ok1","content":"first valid entry"}
this line is not json
{"id":"ok2","content":"second valid entry"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLocal(path)
	got, err := l.Search(ctx, "valid", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("entries = %d, want 2 (corrupt line skipped)", len(got))
	}
}

func TestStoreMessagesSkipsBlanks(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t)

	if err := l.StoreMessages(ctx, "cli:local", []string{"keep this", "  ", ""}); err != nil {
		t.Fatalf("StoreMessages: %v", err)
	}
	got, err := l.Search(ctx, "keep", SearchOptions{Source: "cli:local"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("stored = %d, want 1", len(got))
	}
}

func TestDeleteAndDeleteBySource(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLocal(t)

	if _, err := l.Store(ctx, Entry{ID: "x", Content: "alpha note", Source: "s1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Store(ctx, Entry{ID: "y", Content: "alpha note", Source: "s1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Store(ctx, Entry{ID: "z", Content: "alpha note", Source: "s2"}); err != nil {
		t.Fatal(err)
	}

	if err := l.Delete(ctx, "x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := l.DeleteBySource(ctx, "s1"); err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}

	// The rewrite is durable: a fresh instance sees only the survivor.
	fresh := NewLocal(path)
	got, err := fresh.Search(ctx, "alpha", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "z" {
		t.Errorf("survivors = %+v", got)
	}
}

func TestHealthOnMissingFileIsOK(t *testing.T) {
	l, _ := newTestLocal(t)
	if err := l.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

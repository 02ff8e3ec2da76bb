package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Local is a JSONL-file backed Backend with naive keyword scoring. Suitable
// for single-node deployments; not a semantic search.
type Local struct {
	mu      sync.RWMutex
	path    string
	entries []Entry
	loaded  bool
}

func NewLocal(path string) *Local {
	return &Local{path: path}
}

func (l *Local) Search(_ context.Context, query string, opts SearchOptions) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))

	var out []Entry
	for _, e := range l.entries {
		if opts.Source != "" && e.Source != opts.Source {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(e.Tags, opts.Tags) {
			continue
		}
		score := scoreEntry(e, terms)
		if score <= 0 {
			continue
		}
		e.Score = score
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Local) Store(_ context.Context, entry Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	l.entries = append(l.entries, entry)
	if err := l.appendLine(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (l *Local) StoreMessages(ctx context.Context, source string, contents []string) error {
	for _, c := range contents {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if _, err := l.Store(ctx, Entry{Content: c, Source: source}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return err
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return l.rewrite()
}

func (l *Local) DeleteBySource(_ context.Context, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return err
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Source != source {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return l.rewrite()
}

func (l *Local) Health(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// load reads the JSONL file once; later calls are no-ops.
func (l *Local) load() error {
	if l.loaded {
		return nil
	}
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		l.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // skip corrupt lines
		}
		l.entries = append(l.entries, e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read memory file: %w", err)
	}
	l.loaded = true
	return nil
}

func (l *Local) appendLine(e Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (l *Local) rewrite() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("rewrite memory: %w", err)
	}
	for _, e := range l.entries {
		b, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(append(b, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("rewrite memory: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func scoreEntry(e Entry, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	content := strings.ToLower(e.Content)
	var hits int
	for _, t := range terms {
		if strings.Contains(content, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

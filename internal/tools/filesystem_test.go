package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)

	res := write.Execute(context.Background(), map[string]any{
		"path":    "notes/today.md",
		"content": "remember the milk",
	}, &Context{})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}

	res = read.Execute(context.Background(), map[string]any{"path": "notes/today.md"}, &Context{})
	if res.IsError || res.ForLLM != "remember the milk" {
		t.Errorf("read = %+v", res)
	}
}

func TestWorkspaceEscapeRejected(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)

	for _, path := range []string{"../outside.txt", "../../etc/passwd", "/etc/passwd"} {
		res := read.Execute(context.Background(), map[string]any{"path": path}, &Context{})
		if !res.IsError || !strings.Contains(res.ForLLM, "outside the workspace") {
			t.Errorf("path %q: result = %+v", path, res)
		}
	}

	// Unrestricted workspace allows absolute paths.
	free := NewReadFileTool(ws, false)
	target := filepath.Join(t.TempDir(), "out.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := free.Execute(context.Background(), map[string]any{"path": target}, &Context{}); res.IsError {
		t.Errorf("unrestricted read failed: %s", res.ForLLM)
	}
}

func TestEditRequiresUniqueOccurrence(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "file.txt")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewEditFileTool(ws, true)

	res := edit.Execute(context.Background(), map[string]any{
		"path": "file.txt", "old_text": "aaa", "new_text": "ccc",
	}, &Context{})
	if !res.IsError || !strings.Contains(res.ForLLM, "2 times") {
		t.Errorf("ambiguous edit: %+v", res)
	}

	res = edit.Execute(context.Background(), map[string]any{
		"path": "file.txt", "old_text": "bbb", "new_text": "ccc",
	}, &Context{})
	if res.IsError {
		t.Fatalf("edit: %s", res.ForLLM)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "aaa ccc aaa" {
		t.Errorf("content = %q", data)
	}

	res = edit.Execute(context.Background(), map[string]any{
		"path": "file.txt", "old_text": "zzz", "new_text": "q",
	}, &Context{})
	if !res.IsError || !strings.Contains(res.ForLLM, "not found") {
		t.Errorf("missing old_text: %+v", res)
	}
}

func TestListFiles(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "b.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	list := NewListFilesTool(ws, true)
	res := list.Execute(context.Background(), map[string]any{}, &Context{})
	if res.IsError {
		t.Fatalf("list: %s", res.ForLLM)
	}
	if res.ForLLM != "a.txt\nb.txt\nsub/" {
		t.Errorf("listing = %q", res.ForLLM)
	}
}

func TestExecToolRunsAndDenies(t *testing.T) {
	ws := t.TempDir()
	exec := NewExecTool(ws, 0)

	res := exec.Execute(context.Background(), map[string]any{"command": "echo hello"}, &Context{})
	if res.IsError {
		t.Fatalf("exec: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "hello") {
		t.Errorf("output = %q", res.ForLLM)
	}

	for _, cmd := range []string{"rm -rf /", "sudo whoami", "dd if=/dev/zero of=/dev/sda"} {
		res := exec.Execute(context.Background(), map[string]any{"command": cmd}, &Context{})
		if !res.IsError {
			t.Errorf("command %q not denied", cmd)
		}
	}
}

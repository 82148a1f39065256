package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forkchat/internal/thread"
)

func callTool(t *testing.T, tool Tool, args string) Result {
	t.Helper()
	res, err := tool.Call(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s: %v", tool.Definition().Function.Name, err)
	}
	return res
}

func TestFileTools_ReportChangeStats(t *testing.T) {
	dir := t.TempDir()
	ws := Workspace{Dir: dir}

	res := callTool(t, &WriteFileTool{Workspace: ws}, `{"path":"a.txt","content":"one\ntwo\nthree\n"}`)
	if res.Changes == nil || *res.Changes != (thread.Stats{Additions: 3}) {
		t.Fatalf("unexpected write stats: %#v", res.Changes)
	}
	if !strings.HasPrefix(res.Summary, "wrote a.txt") {
		t.Fatalf("unexpected summary %q", res.Summary)
	}

	res = callTool(t, &EditFileTool{Workspace: ws}, `{"path":"a.txt","edits":[{"old_text":"two","new_text":"TWO\nTWO-B"}]}`)
	if *res.Changes != (thread.Stats{Additions: 1, Changes: 1}) {
		t.Fatalf("unexpected edit stats: %#v", res.Changes)
	}

	res = callTool(t, &WriteFileTool{Workspace: ws}, `{"path":"a.txt","content":"four\n","append":true}`)
	if *res.Changes != (thread.Stats{Additions: 1}) {
		t.Fatalf("unexpected append stats: %#v", res.Changes)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "one\nTWO\nTWO-B\nthree\nfour\n" {
		t.Fatalf("unexpected content %q", data)
	}

	res = callTool(t, &DeleteFileTool{Workspace: ws}, `{"path":"a.txt"}`)
	if *res.Changes != (thread.Stats{Deletions: 5}) {
		t.Fatalf("unexpected delete stats: %#v", res.Changes)
	}
}

func TestReadAndListFiles(t *testing.T) {
	dir := t.TempDir()
	ws := Workspace{Dir: dir}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "f.go"), []byte("package a\n\nfunc A() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res := callTool(t, &ListFilesTool{Workspace: ws}, `{"recursive":true}`)
	want := "sub" + string(os.PathSeparator) + "\n" + filepath.Join("sub", "f.go")
	if res.Output != want {
		t.Fatalf("unexpected listing %q", res.Output)
	}

	res = callTool(t, &ReadFileTool{Workspace: ws}, `{"path":"sub/f.go","start_line":3,"with_line_numbers":true}`)
	if res.Output != "3: func A() {}" {
		t.Fatalf("unexpected read %q", res.Output)
	}
	if res.Changes != nil {
		t.Fatalf("read should not report changes")
	}
}

func TestEditFile_MissingTextFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tool := &EditFileTool{Workspace: Workspace{Dir: dir}}
	if _, err := tool.Call(context.Background(), json.RawMessage(`{"path":"a.txt","edits":[{"old_text":"bye","new_text":"x"}]}`)); err == nil {
		t.Fatalf("expected error for missing old_text")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg, t.TempDir(), 30)
	names := make([]string, 0)
	for _, d := range reg.Definitions() {
		names = append(names, d.Function.Name)
	}
	want := "copy_file,delete_file,edit_file,exec_command,list_files,move_file,read_file,write_file"
	if strings.Join(names, ",") != want {
		t.Fatalf("unexpected tools %v", names)
	}
}

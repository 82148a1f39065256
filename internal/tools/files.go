package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"forkchat/internal/llm"
	"forkchat/internal/thread"
	"forkchat/internal/util"
)

// Workspace resolves relative tool paths against Dir.
type Workspace struct {
	Dir string
}

func (w Workspace) resolve(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || strings.TrimSpace(w.Dir) == "" {
		return path
	}
	return filepath.Join(w.Dir, path)
}

func changeSummary(verb, path string, s thread.Stats) string {
	return fmt.Sprintf("%s %s (+%d ~%d -%d)", verb, path, s.Additions, s.Changes, s.Deletions)
}

func diffStats(before, after string) *thread.Stats {
	add, chg, del := util.DiffLines(before, after)
	return &thread.Stats{Additions: add, Changes: chg, Deletions: del}
}

type ListFilesTool struct {
	Workspace Workspace
}

type listFilesArgs struct {
	Path          string `json:"path"`
	Recursive     bool   `json:"recursive"`
	MaxEntries    int    `json:"max_entries"`
	IncludeHidden bool   `json:"include_hidden"`
}

func (t *ListFilesTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "list_files",
			Description: "List files under a path. Supports recursive listing and hidden files.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory to list (default: .)",
					},
					"recursive": map[string]interface{}{
						"type":        "boolean",
						"description": "Whether to recursively list subdirectories",
					},
					"max_entries": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of entries to return (default: 2000)",
					},
					"include_hidden": map[string]interface{}{
						"type":        "boolean",
						"description": "Include hidden files and directories",
					},
				},
			},
		},
	}
}

func (t *ListFilesTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in listFilesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return Result{}, err
		}
	}
	if in.Path == "" {
		in.Path = "."
	}
	if in.MaxEntries <= 0 {
		in.MaxEntries = 2000
	}

	results := make([]string, 0, 128)
	root := t.Workspace.resolve(in.Path)

	if in.Recursive {
		stopErr := errors.New("max entries reached")
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if path == root {
				return nil
			}
			name := d.Name()
			if !in.IncludeHidden && strings.HasPrefix(name, ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if d.IsDir() {
				rel += string(os.PathSeparator)
			}
			results = append(results, rel)
			if len(results) >= in.MaxEntries {
				return stopErr
			}
			return nil
		})
		if err != nil && !errors.Is(err, stopErr) {
			return Result{}, err
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return Result{}, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if !in.IncludeHidden && strings.HasPrefix(name, ".") {
				continue
			}
			if entry.IsDir() {
				name += string(os.PathSeparator)
			}
			results = append(results, name)
			if len(results) >= in.MaxEntries {
				break
			}
		}
	}

	summary := fmt.Sprintf("listed %d entries in %s", len(results), in.Path)
	if len(results) == 0 {
		return Result{Output: "(no entries)", Summary: summary}, nil
	}
	return Result{Output: strings.Join(results, "\n"), Summary: summary}, nil
}

type ReadFileTool struct {
	Workspace Workspace
}

type readFileArgs struct {
	Path            string `json:"path"`
	StartLine       int    `json:"start_line"`
	EndLine         int    `json:"end_line"`
	WithLineNumbers bool   `json:"with_line_numbers"`
}

func (t *ReadFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "read_file",
			Description: "Read a file. Supports line ranges and optional line numbers.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":              map[string]interface{}{"type": "string"},
					"start_line":        map[string]interface{}{"type": "integer"},
					"end_line":          map[string]interface{}{"type": "integer"},
					"with_line_numbers": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (t *ReadFileTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	if in.Path == "" {
		return Result{}, errors.New("path is required")
	}
	data, err := os.ReadFile(t.Workspace.resolve(in.Path))
	if err != nil {
		return Result{}, err
	}
	lines := util.SplitLines(string(data))
	if len(lines) == 0 {
		return Result{Summary: "read " + in.Path + " (empty)"}, nil
	}

	start := in.StartLine
	end := in.EndLine
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end || start > len(lines) {
		return Result{}, fmt.Errorf("invalid line range: %d-%d", start, end)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		line := lines[i-1]
		if in.WithLineNumbers {
			fmt.Fprintf(&b, "%d: %s", i, line)
		} else {
			b.WriteString(line)
		}
		if i != end {
			b.WriteString("\n")
		}
	}
	return Result{
		Output:  b.String(),
		Summary: fmt.Sprintf("read %s lines %d-%d", in.Path, start, end),
	}, nil
}

type WriteFileTool struct {
	Workspace Workspace
}

type writeFileArgs struct {
	Path         string   `json:"path"`
	Content      *string  `json:"content"`
	ContentLines []string `json:"content_lines"`
	CreateDirs   bool     `json:"create_dirs"`
	Append       bool     `json:"append"`
}

func (t *WriteFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name: "write_file",
			Description: "Write content to a file.\n\nIMPORTANT: tool arguments MUST be valid JSON. Do NOT output raw file content outside the JSON object.\n\n" +
				"For large files: write in multiple calls (first append=false, then append=true) to avoid truncation.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Raw text content as a JSON string. Provide exactly one of content or content_lines.",
					},
					"content_lines": map[string]interface{}{
						"type":        "array",
						"description": "Array of lines joined with \"\\n\". Helps avoid JSON escaping issues.",
						"items":       map[string]interface{}{"type": "string"},
					},
					"create_dirs": map[string]interface{}{"type": "boolean"},
					"append": map[string]interface{}{
						"type":        "boolean",
						"description": "Append instead of overwrite. Use append=true for chunks after the first one.",
					},
				},
				"additionalProperties": false,
				"required":             []string{"path"},
			},
		},
	}
}

func (t *WriteFileTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in writeFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("write_file: invalid JSON arguments (possibly truncated). Args MUST be a single JSON object like {\"path\":\"...\",\"content\":\"...\"}. Parse error: %w", err)
	}
	if in.Path == "" {
		return Result{}, errors.New("path is required")
	}
	if (in.Content == nil) == (in.ContentLines == nil) {
		return Result{}, errors.New("provide exactly one of content or content_lines")
	}
	path := t.Workspace.resolve(in.Path)
	if in.CreateDirs {
		if err := util.EnsureParentDir(path); err != nil {
			return Result{}, err
		}
	}
	var data string
	if in.ContentLines != nil {
		data = strings.Join(in.ContentLines, "\n")
	} else {
		data = *in.Content
	}

	before := ""
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return Result{}, fmt.Errorf("%s is a directory", in.Path)
		}
		prev, err := os.ReadFile(path)
		if err != nil {
			return Result{}, err
		}
		before = string(prev)
		perm = info.Mode().Perm()
	}
	after := data
	if in.Append {
		after = before + data
	}
	if err := util.WriteFileAtomic(path, []byte(after), perm); err != nil {
		return Result{}, err
	}
	stats := diffStats(before, after)
	return Result{Output: "ok", Summary: changeSummary("wrote", in.Path, *stats), Changes: stats}, nil
}

type EditFileTool struct {
	Workspace Workspace
}

type editFileArgs struct {
	Path  string       `json:"path"`
	Edits []editChange `json:"edits"`
}

type editChange struct {
	OldText    string `json:"old_text"`
	NewText    string `json:"new_text"`
	ReplaceAll bool   `json:"replace_all"`
}

func (t *EditFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "edit_file",
			Description: "Edit a file by replacing text. Applies edits in order.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
					"edits": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"old_text":    map[string]interface{}{"type": "string"},
								"new_text":    map[string]interface{}{"type": "string"},
								"replace_all": map[string]interface{}{"type": "boolean"},
							},
							"required": []string{"old_text", "new_text"},
						},
					},
				},
				"required": []string{"path", "edits"},
			},
		},
	}
}

func (t *EditFileTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in editFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	if in.Path == "" {
		return Result{}, errors.New("path is required")
	}
	if len(in.Edits) == 0 {
		return Result{}, errors.New("edits are required")
	}
	path := t.Workspace.resolve(in.Path)
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	before := string(data)
	content := before
	for i, edit := range in.Edits {
		if edit.OldText == "" {
			return Result{}, fmt.Errorf("edit %d: old_text is empty", i+1)
		}
		if edit.ReplaceAll {
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			continue
		}
		idx := strings.Index(content, edit.OldText)
		if idx < 0 {
			return Result{}, fmt.Errorf("edit %d: old_text not found", i+1)
		}
		content = content[:idx] + edit.NewText + content[idx+len(edit.OldText):]
	}
	if err := util.WriteFileAtomic(path, []byte(content), info.Mode().Perm()); err != nil {
		return Result{}, err
	}
	stats := diffStats(before, content)
	return Result{Output: "ok", Summary: changeSummary("edited", in.Path, *stats), Changes: stats}, nil
}

type MoveFileTool struct {
	Workspace Workspace
}

type moveFileArgs struct {
	Src       string `json:"src"`
	Dest      string `json:"dest"`
	Overwrite bool   `json:"overwrite"`
}

func (t *MoveFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "move_file",
			Description: "Move or rename a file or directory.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"src":       map[string]interface{}{"type": "string"},
					"dest":      map[string]interface{}{"type": "string"},
					"overwrite": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"src", "dest"},
			},
		},
	}
}

func (t *MoveFileTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in moveFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	if in.Src == "" || in.Dest == "" {
		return Result{}, errors.New("src and dest are required")
	}
	if err := util.Move(t.Workspace.resolve(in.Src), t.Workspace.resolve(in.Dest), in.Overwrite); err != nil {
		return Result{}, err
	}
	return Result{Output: "ok", Summary: "moved " + in.Src + " -> " + in.Dest}, nil
}

type CopyFileTool struct {
	Workspace Workspace
}

type copyFileArgs struct {
	Src       string `json:"src"`
	Dest      string `json:"dest"`
	Overwrite bool   `json:"overwrite"`
}

func (t *CopyFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "copy_file",
			Description: "Copy a file or directory.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"src":       map[string]interface{}{"type": "string"},
					"dest":      map[string]interface{}{"type": "string"},
					"overwrite": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"src", "dest"},
			},
		},
	}
}

func (t *CopyFileTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in copyFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	if in.Src == "" || in.Dest == "" {
		return Result{}, errors.New("src and dest are required")
	}
	src := t.Workspace.resolve(in.Src)
	dst := t.Workspace.resolve(in.Dest)
	info, err := os.Stat(src)
	if err != nil {
		return Result{}, err
	}
	if info.IsDir() {
		err = util.CopyDir(src, dst, in.Overwrite)
	} else {
		err = util.CopyFile(src, dst, in.Overwrite)
	}
	if err != nil {
		return Result{}, err
	}
	lines, err := util.CountFileLines(dst)
	if err != nil {
		return Result{}, err
	}
	stats := &thread.Stats{Additions: lines}
	return Result{Output: "ok", Summary: changeSummary("copied to", in.Dest, *stats), Changes: stats}, nil
}

type DeleteFileTool struct {
	Workspace Workspace
}

type deleteFileArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (t *DeleteFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionDef{
			Name:        "delete_file",
			Description: "Delete a file or directory.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":      map[string]interface{}{"type": "string"},
					"recursive": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (t *DeleteFileTool) Call(ctx context.Context, args json.RawMessage) (Result, error) {
	var in deleteFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	if in.Path == "" {
		return Result{}, errors.New("path is required")
	}
	path := t.Workspace.resolve(in.Path)
	lines, err := util.CountFileLines(path)
	if err != nil {
		return Result{}, err
	}
	if in.Recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return Result{}, err
	}
	stats := &thread.Stats{Deletions: lines}
	return Result{Output: "ok", Summary: changeSummary("deleted", in.Path, *stats), Changes: stats}, nil
}

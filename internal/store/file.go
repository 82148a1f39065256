package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"forkchat/internal/thread"
	"forkchat/internal/util"
)

// File stores one YAML document per thread and per message under a
// directory, so history can be read and diffed by hand.
type File struct {
	mu  sync.Mutex
	dir string
}

func OpenFile(dir string) (*File, error) {
	d := filepath.Clean(strings.TrimSpace(dir))
	if d == "" || d == "." {
		return nil, errors.New("missing store directory")
	}
	for _, sub := range []string{"threads", "messages"} {
		if err := os.MkdirAll(filepath.Join(d, sub), 0o700); err != nil {
			return nil, err
		}
	}
	return &File{dir: d}, nil
}

type threadRecord struct {
	ID                 string       `yaml:"id"`
	Title              string       `yaml:"title"`
	CreatedAt          time.Time    `yaml:"created_at"`
	UpdatedAt          time.Time    `yaml:"updated_at"`
	ParentID           string       `yaml:"parent_id,omitempty"`
	ForkPointMessageID string       `yaml:"fork_point_message_id,omitempty"`
	ChildIDs           []string     `yaml:"child_ids,omitempty"`
	Type               string       `yaml:"type"`
	Status             string       `yaml:"status"`
	MessageIDs         []string     `yaml:"message_ids,omitempty"`
	Stats              thread.Stats `yaml:"stats"`
	TokenCount         int          `yaml:"token_count"`
	Summary            string       `yaml:"summary,omitempty"`
	BackendSessionID   string       `yaml:"backend_session_id,omitempty"`
}

type messageRecord struct {
	ID             string           `yaml:"id"`
	ThreadID       string           `yaml:"thread_id"`
	Role           string           `yaml:"role"`
	Content        string           `yaml:"content"`
	CreatedAt      time.Time        `yaml:"created_at"`
	Thinking       string           `yaml:"thinking,omitempty"`
	ThinkingMillis int64            `yaml:"thinking_ms,omitempty"`
	IsInterrupted  bool             `yaml:"interrupted,omitempty"`
	IsStreaming    bool             `yaml:"streaming,omitempty"`
	Feedback       string           `yaml:"feedback,omitempty"`
	ToolCalls      []toolCallRecord `yaml:"tool_calls,omitempty"`
}

type toolCallRecord struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name"`
	Arguments  string    `yaml:"arguments,omitempty"`
	Status     string    `yaml:"status"`
	Summary    string    `yaml:"summary,omitempty"`
	Result     string    `yaml:"result,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at,omitempty"`
}

func toThreadRecord(t thread.Thread) threadRecord {
	return threadRecord{
		ID:                 t.ID,
		Title:              t.Title,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		ParentID:           t.ParentID,
		ForkPointMessageID: t.ForkPointMessageID,
		ChildIDs:           t.ChildIDs,
		Type:               string(t.Type),
		Status:             string(t.Status),
		MessageIDs:         t.MessageIDs,
		Stats:              t.Stats,
		TokenCount:         t.TokenCount,
		Summary:            t.Summary,
		BackendSessionID:   t.BackendSessionID,
	}
}

func (r threadRecord) thread() thread.Thread {
	return thread.Thread{
		ID:                 r.ID,
		Title:              r.Title,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ParentID:           r.ParentID,
		ForkPointMessageID: r.ForkPointMessageID,
		ChildIDs:           r.ChildIDs,
		Type:               thread.Type(r.Type),
		Status:             thread.Status(r.Status),
		MessageIDs:         r.MessageIDs,
		Stats:              r.Stats,
		TokenCount:         r.TokenCount,
		Summary:            r.Summary,
		BackendSessionID:   r.BackendSessionID,
	}
}

func toMessageRecord(m thread.Message) messageRecord {
	rec := messageRecord{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Thinking:       m.Thinking,
		ThinkingMillis: m.ThinkingDuration.Milliseconds(),
		IsInterrupted:  m.IsInterrupted,
		IsStreaming:    m.IsStreaming,
		Feedback:       m.Feedback,
	}
	for _, c := range m.ToolCalls {
		rec.ToolCalls = append(rec.ToolCalls, toolCallRecord{
			ID:         c.ID,
			Name:       c.Name,
			Arguments:  string(c.Arguments),
			Status:     string(c.Status),
			Summary:    c.Summary,
			Result:     c.Result,
			StartedAt:  c.StartedAt,
			FinishedAt: c.FinishedAt,
		})
	}
	return rec
}

func (r messageRecord) message() thread.Message {
	m := thread.Message{
		ID:               r.ID,
		ThreadID:         r.ThreadID,
		Role:             thread.Role(r.Role),
		Content:          r.Content,
		CreatedAt:        r.CreatedAt,
		Thinking:         r.Thinking,
		ThinkingDuration: time.Duration(r.ThinkingMillis) * time.Millisecond,
		IsInterrupted:    r.IsInterrupted,
		IsStreaming:      r.IsStreaming,
		Feedback:         r.Feedback,
	}
	for _, c := range r.ToolCalls {
		var args json.RawMessage
		if c.Arguments != "" {
			args = json.RawMessage(c.Arguments)
		}
		m.ToolCalls = append(m.ToolCalls, thread.ToolCall{
			ID:         c.ID,
			Name:       c.Name,
			Arguments:  args,
			Status:     thread.ToolStatus(c.Status),
			Summary:    c.Summary,
			Result:     c.Result,
			MessageID:  r.ID,
			StartedAt:  c.StartedAt,
			FinishedAt: c.FinishedAt,
		})
	}
	return m
}

func (f *File) path(kind, id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	if strings.ContainsAny(id, `/\`) || id == ".." {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return filepath.Join(f.dir, kind, id+".yaml"), nil
}

func (f *File) SaveThread(_ context.Context, t thread.Thread) error {
	p, err := f.path("threads", t.ID)
	if err != nil {
		return err
	}
	return f.write(p, toThreadRecord(t))
}

func (f *File) LoadThread(_ context.Context, id string) (thread.Thread, error) {
	p, err := f.path("threads", id)
	if err != nil {
		return thread.Thread{}, err
	}
	var rec threadRecord
	if err := f.read(p, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return thread.Thread{}, thread.ErrThreadNotFound
		}
		return thread.Thread{}, err
	}
	return rec.thread(), nil
}

func (f *File) DeleteThread(_ context.Context, id string) error {
	p, err := f.path("threads", id)
	if err != nil {
		return err
	}
	return f.remove(p)
}

func (f *File) ListThreads(ctx context.Context) ([]thread.Thread, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, "threads"))
	if err != nil {
		return nil, err
	}
	var out []thread.Thread
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		t, err := f.LoadThread(ctx, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *File) SaveMessage(_ context.Context, m thread.Message) error {
	p, err := f.path("messages", m.ID)
	if err != nil {
		return err
	}
	return f.write(p, toMessageRecord(m))
}

func (f *File) LoadMessage(_ context.Context, id string) (thread.Message, error) {
	p, err := f.path("messages", id)
	if err != nil {
		return thread.Message{}, err
	}
	var rec messageRecord
	if err := f.read(p, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return thread.Message{}, thread.ErrMessageNotFound
		}
		return thread.Message{}, err
	}
	return rec.message(), nil
}

func (f *File) DeleteMessage(_ context.Context, id string) error {
	p, err := f.path("messages", id)
	if err != nil {
		return err
	}
	return f.remove(p)
}

func (f *File) Close() error { return nil }

func (f *File) write(path string, payload any) error {
	data, err := yaml.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return util.WriteFileAtomic(path, data, 0o600)
}

func (f *File) read(path string, out any) error {
	f.mu.Lock()
	data, err := os.ReadFile(path)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func (f *File) remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"forkchat/internal/thread"
)

// Memory keeps records in process. Values are copied on the way in and out.
type Memory struct {
	mu       sync.RWMutex
	threads  map[string]thread.Thread
	messages map[string]thread.Message
}

func NewMemory() *Memory {
	return &Memory{
		threads:  make(map[string]thread.Thread),
		messages: make(map[string]thread.Message),
	}
}

func (m *Memory) SaveThread(_ context.Context, t thread.Thread) error {
	if err := validID(t.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = copyThread(t)
	return nil
}

func (m *Memory) LoadThread(_ context.Context, id string) (thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return thread.Thread{}, thread.ErrThreadNotFound
	}
	return copyThread(t), nil
}

func (m *Memory) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
	return nil
}

func (m *Memory) ListThreads(context.Context) ([]thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]thread.Thread, 0, len(m.threads))
	for _, t := range m.threads {
		out = append(out, copyThread(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) SaveMessage(_ context.Context, msg thread.Message) error {
	if err := validID(msg.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (m *Memory) LoadMessage(_ context.Context, id string) (thread.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return thread.Message{}, thread.ErrMessageNotFound
	}
	return copyMessage(msg), nil
}

func (m *Memory) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func copyThread(t thread.Thread) thread.Thread {
	t.ChildIDs = append([]string(nil), t.ChildIDs...)
	t.MessageIDs = append([]string(nil), t.MessageIDs...)
	return t
}

func copyMessage(m thread.Message) thread.Message {
	calls := make([]thread.ToolCall, len(m.ToolCalls))
	for i, c := range m.ToolCalls {
		c.Arguments = append(json.RawMessage(nil), c.Arguments...)
		calls[i] = c
	}
	if len(calls) == 0 {
		calls = nil
	}
	m.ToolCalls = calls
	return m
}

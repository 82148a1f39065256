package llm

import (
	"context"
	"io"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDefinition struct {
	Type     string          `json:"type"`
	Function ToolFunctionDef `json:"function"`
}

type ToolFunctionDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float32          `json:"temperature,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamRequest is one request/response cycle of a turn.
type StreamRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition

	// Prompt is the newest instruction, used by backends that take a single
	// prompt instead of a message list.
	Prompt    string
	SessionID string

	// Transcript is the rendered prior conversation for prompt-only
	// backends that have no session to resume.
	Transcript string
}

// Backend opens a streaming request. The returned reader yields raw
// newline-delimited chunks in the backend's own event shape; closing it (or
// cancelling ctx) aborts the request.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error)
	// ExecutesTools reports whether the backend runs tool calls itself and
	// only reports them in its stream.
	ExecutesTools() bool
}

// ChatClient is a non-streaming completion, used for summaries.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

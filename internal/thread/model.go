package thread

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

type Type string

const (
	TypeRoot    Type = "root"
	TypeFork    Type = "fork"
	TypeCompact Type = "compact"
	TypeHandoff Type = "handoff"
)

type Status string

const (
	StatusCurrent Status = "current"
	StatusVisited Status = "visited"
	StatusHandoff Status = "handoff"
)

// Stats accumulates file-change counts reported by tools.
type Stats struct {
	Additions int `json:"additions"`
	Changes   int `json:"changes"`
	Deletions int `json:"deletions"`
}

func (s Stats) Add(o Stats) Stats {
	return Stats{
		Additions: s.Additions + o.Additions,
		Changes:   s.Changes + o.Changes,
		Deletions: s.Deletions + o.Deletions,
	}
}

func (s Stats) IsZero() bool {
	return s.Additions == 0 && s.Changes == 0 && s.Deletions == 0
}

// Thread is one segment of conversation history. MessageIDs lists only the
// messages appended to this segment; inherited history is derived by walking
// ParentID.
type Thread struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	ParentID           string    `json:"parent_id,omitempty"`
	ForkPointMessageID string    `json:"fork_point_message_id,omitempty"`
	ChildIDs           []string  `json:"child_ids,omitempty"`
	Type               Type      `json:"type"`
	Status             Status    `json:"status"`
	MessageIDs         []string  `json:"message_ids,omitempty"`
	Stats              Stats     `json:"stats"`
	TokenCount         int       `json:"token_count"`

	// Summary replaces inherited history for compact and handoff threads.
	Summary          string `json:"summary,omitempty"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
}

func (t Thread) clone() Thread {
	out := t
	out.ChildIDs = append([]string(nil), t.ChildIDs...)
	out.MessageIDs = append([]string(nil), t.MessageIDs...)
	return out
}

// isBoundary reports whether history inheritance stops at this thread.
func (t *Thread) isBoundary() bool {
	return t.Type == TypeCompact || t.Type == TypeHandoff
}

type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
	RoleError  Role = "error"
)

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	Thinking         string        `json:"thinking,omitempty"`
	ThinkingDuration time.Duration `json:"thinking_duration,omitempty"`

	IsStreaming   bool   `json:"is_streaming,omitempty"`
	IsThinking    bool   `json:"is_thinking,omitempty"`
	IsInterrupted bool   `json:"is_interrupted,omitempty"`
	Feedback      string `json:"feedback,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

func (m Message) clone() Message {
	out := m
	out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	return out
}

type ToolStatus string

const (
	ToolExecuting ToolStatus = "executing"
	ToolComplete  ToolStatus = "complete"
	ToolError     ToolStatus = "error"
)

type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Status     ToolStatus      `json:"status"`
	Summary    string          `json:"summary,omitempty"`
	Result     string          `json:"result,omitempty"`
	MessageID  string          `json:"message_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

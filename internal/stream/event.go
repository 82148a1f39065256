package stream

import (
	"encoding/json"
	"strings"
)

// Event is one canonical streaming event. The set of variants is closed:
// only types in this package implement it.
type Event interface {
	Kind() Kind
	isEvent()
}

type Kind string

const (
	KindInit             Kind = "init"
	KindText             Kind = "text"
	KindThinking         Kind = "thinking"
	KindThinkingComplete Kind = "thinking_complete"
	KindToolStart        Kind = "tool_start"
	KindToolResult       Kind = "tool_result"
	KindUsage            Kind = "usage"
	KindComplete         Kind = "complete"
)

type Init struct {
	SessionID string
	Model     string
}

type Text struct {
	Text string
}

type Thinking struct {
	Text string
}

type ThinkingComplete struct{}

type ToolStart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResult struct {
	ID      string
	Output  string
	IsError bool
}

// Usage carries backend-reported token counts. Zero means "not reported".
type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Complete struct {
	StopReason string
	Result     string
}

func (Init) Kind() Kind             { return KindInit }
func (Text) Kind() Kind             { return KindText }
func (Thinking) Kind() Kind         { return KindThinking }
func (ThinkingComplete) Kind() Kind { return KindThinkingComplete }
func (ToolStart) Kind() Kind        { return KindToolStart }
func (ToolResult) Kind() Kind       { return KindToolResult }
func (Usage) Kind() Kind            { return KindUsage }
func (Complete) Kind() Kind         { return KindComplete }

func (Init) isEvent()             {}
func (Text) isEvent()             {}
func (Thinking) isEvent()         {}
func (ThinkingComplete) isEvent() {}
func (ToolStart) isEvent()        {}
func (ToolResult) isEvent()       {}
func (Usage) isEvent()            {}
func (Complete) isEvent()         {}

// wireEvent is the canonical line format. Backends that already speak the
// canonical vocabulary emit one of these per line.
type wireEvent struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Model        string          `json:"model,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
	StopReason   string          `json:"stop_reason,omitempty"`
	Result       string          `json:"result,omitempty"`
}

// Encode renders ev as a single canonical JSON line, newline included.
func Encode(ev Event) string {
	var w wireEvent
	switch e := ev.(type) {
	case Init:
		w = wireEvent{Type: string(KindInit), SessionID: e.SessionID, Model: e.Model}
	case Text:
		w = wireEvent{Type: string(KindText), Text: e.Text}
	case Thinking:
		w = wireEvent{Type: string(KindThinking), Text: e.Text}
	case ThinkingComplete:
		w = wireEvent{Type: string(KindThinkingComplete)}
	case ToolStart:
		w = wireEvent{Type: string(KindToolStart), ID: e.ID, Name: e.Name, Input: e.Input}
	case ToolResult:
		w = wireEvent{Type: string(KindToolResult), ID: e.ID, Output: e.Output, IsError: e.IsError}
	case Usage:
		w = wireEvent{Type: string(KindUsage), InputTokens: e.InputTokens, OutputTokens: e.OutputTokens}
	case Complete:
		w = wireEvent{Type: string(KindComplete), StopReason: e.StopReason, Result: e.Result}
	default:
		return ""
	}
	data, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	return string(data) + "\n"
}

func isCanonicalType(t string) bool {
	switch Kind(t) {
	case KindInit, KindText, KindThinking, KindThinkingComplete, KindToolStart, KindToolResult, KindUsage, KindComplete:
		return true
	default:
		return false
	}
}

func decodeCanonical(raw []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false
	}
	switch Kind(strings.TrimSpace(w.Type)) {
	case KindInit:
		return Init{SessionID: w.SessionID, Model: w.Model}, true
	case KindText:
		return Text{Text: w.Text}, true
	case KindThinking:
		return Thinking{Text: w.Text}, true
	case KindThinkingComplete:
		return ThinkingComplete{}, true
	case KindToolStart:
		return ToolStart{ID: w.ID, Name: w.Name, Input: normalizeInput(w.Input)}, true
	case KindToolResult:
		return ToolResult{ID: w.ID, Output: w.Output, IsError: w.IsError}, true
	case KindUsage:
		return Usage{InputTokens: w.InputTokens, OutputTokens: w.OutputTokens}, true
	case KindComplete:
		return Complete{StopReason: w.StopReason, Result: w.Result}, true
	default:
		return nil, false
	}
}

func normalizeInput(raw json.RawMessage) json.RawMessage {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(text)
}

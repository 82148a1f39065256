package stream

import (
	"encoding/json"
	"strings"
)

// Subprocess agent envelope: whole messages per line, each carrying an array
// of content blocks (stream-json output of CLI coding agents).

func isAgentType(t string) bool {
	switch t {
	case "system", "assistant", "user", "result":
		return true
	default:
		return false
	}
}

type agentEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Message   *struct {
		Model   string          `json:"model"`
		Content json.RawMessage `json:"content"`
		Usage   *hostedUsage    `json:"usage"`
	} `json:"message"`
	Result  string       `json:"result"`
	IsError bool         `json:"is_error"`
	Usage   *hostedUsage `json:"usage"`
}

type agentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func decodeAgent(typ string, raw []byte) []Event {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	switch typ {
	case "system":
		if env.Subtype != "init" {
			return nil
		}
		return []Event{Init{SessionID: env.SessionID, Model: env.Model}}

	case "assistant":
		if env.Message == nil {
			return nil
		}
		var out []Event
		if s, ok := contentString(env.Message.Content); ok {
			if s != "" {
				out = append(out, Text{Text: s})
			}
		} else {
			for _, b := range contentBlocks(env.Message.Content) {
				switch b.Type {
				case "text":
					if b.Text != "" {
						out = append(out, Text{Text: b.Text})
					}
				case "thinking":
					if b.Thinking != "" {
						out = append(out, Thinking{Text: b.Thinking}, ThinkingComplete{})
					}
				case "tool_use":
					out = append(out, ToolStart{ID: b.ID, Name: b.Name, Input: normalizeInput(b.Input)})
				}
			}
		}
		if u := env.Message.Usage; u != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			out = append(out, Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
		}
		return out

	case "user":
		if env.Message == nil {
			return nil
		}
		var out []Event
		for _, b := range contentBlocks(env.Message.Content) {
			if b.Type != "tool_result" {
				continue
			}
			out = append(out, ToolResult{ID: b.ToolUseID, Output: toolResultText(b.Content), IsError: b.IsError})
		}
		return out

	case "result":
		var out []Event
		if u := env.Usage; u != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			out = append(out, Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
		}
		reason := strings.TrimSpace(env.Subtype)
		if env.IsError {
			reason = "error"
		}
		if reason == "" {
			reason = "success"
		}
		return append(out, Complete{StopReason: reason, Result: env.Result})
	}
	return nil
}

func contentString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func contentBlocks(raw json.RawMessage) []agentBlock {
	var blocks []agentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// toolResultText accepts either a plain string or an array of text blocks.
func toolResultText(raw json.RawMessage) string {
	if s, ok := contentString(raw); ok {
		return s
	}
	var parts []string
	for _, b := range contentBlocks(raw) {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

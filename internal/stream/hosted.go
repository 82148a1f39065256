package stream

import (
	"encoding/json"
	"strings"
)

// Hosted envelope: the server-sent events of a hosted messages API, one JSON
// object per line, with the payload nested under content_block/delta.

func isHostedType(t string) bool {
	switch t {
	case "message_start", "content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop", "ping", "error":
		return true
	default:
		return false
	}
}

type hostedEnvelope struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage *hostedUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Input    json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *hostedUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type hostedUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (n *Normalizer) decodeHosted(typ string, raw []byte) []Event {
	var env hostedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		n.log.Debug().Err(err).Str("type", typ).Msg("malformed hosted envelope")
		return nil
	}

	switch typ {
	case "message_start":
		n.blocks = make(map[int]*hostedBlock)
		n.stopReason = ""
		if env.Message == nil {
			return nil
		}
		out := []Event{Init{SessionID: env.Message.ID, Model: env.Message.Model}}
		if u := env.Message.Usage; u != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			out = append(out, Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
		}
		return out

	case "content_block_start":
		if env.ContentBlock == nil {
			return nil
		}
		blk := &hostedBlock{kind: env.ContentBlock.Type, id: env.ContentBlock.ID, name: env.ContentBlock.Name}
		n.blocks[env.Index] = blk
		switch blk.kind {
		case "text":
			if env.ContentBlock.Text != "" {
				return []Event{Text{Text: env.ContentBlock.Text}}
			}
		case "thinking":
			if env.ContentBlock.Thinking != "" {
				return []Event{Thinking{Text: env.ContentBlock.Thinking}}
			}
		case "tool_use":
			input := strings.TrimSpace(string(env.ContentBlock.Input))
			if input != "" && input != "{}" && input != "null" {
				blk.args.WriteString(input)
			}
		}
		return nil

	case "content_block_delta":
		if env.Delta == nil {
			return nil
		}
		switch env.Delta.Type {
		case "text_delta":
			if env.Delta.Text != "" {
				return []Event{Text{Text: env.Delta.Text}}
			}
		case "thinking_delta":
			if env.Delta.Thinking != "" {
				return []Event{Thinking{Text: env.Delta.Thinking}}
			}
		case "input_json_delta":
			if blk := n.blocks[env.Index]; blk != nil {
				blk.args.WriteString(env.Delta.PartialJSON)
			}
		}
		return nil

	case "content_block_stop":
		blk := n.blocks[env.Index]
		delete(n.blocks, env.Index)
		if blk == nil {
			return nil
		}
		switch blk.kind {
		case "thinking", "redacted_thinking":
			return []Event{ThinkingComplete{}}
		case "tool_use":
			return []Event{ToolStart{ID: blk.id, Name: blk.name, Input: normalizeInput(json.RawMessage(blk.args.String()))}}
		}
		return nil

	case "message_delta":
		if env.Delta != nil && env.Delta.StopReason != "" {
			n.stopReason = env.Delta.StopReason
		}
		if env.Usage != nil && (env.Usage.InputTokens > 0 || env.Usage.OutputTokens > 0) {
			return []Event{Usage{InputTokens: env.Usage.InputTokens, OutputTokens: env.Usage.OutputTokens}}
		}
		return nil

	case "message_stop":
		reason := n.stopReason
		if reason == "" {
			reason = "end_turn"
		}
		n.stopReason = ""
		return []Event{Complete{StopReason: reason}}

	case "error":
		msg := "upstream error"
		if env.Error != nil && strings.TrimSpace(env.Error.Message) != "" {
			msg = strings.TrimSpace(env.Error.Message)
		}
		return []Event{Complete{StopReason: "error", Result: msg}}
	}
	return nil
}

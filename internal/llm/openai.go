package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"forkchat/internal/stream"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIBackend streams chat completions from any OpenAI-compatible endpoint
// and re-encodes the deltas as canonical event lines.
type OpenAIBackend struct {
	client    openai.Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
	log       zerolog.Logger
}

func NewOpenAIBackend(cfg Config, log zerolog.Logger) (*OpenAIBackend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("model is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(base + "/"),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAIBackend{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
		limiter:   newLimiter(cfg.RequestsPerMinute),
		log:       log,
	}, nil
}

func (b *OpenAIBackend) Name() string        { return "openai" }
func (b *OpenAIBackend) ExecutesTools() bool { return false }

func (b *OpenAIBackend) params(system string, msgs []Message, defs []ToolDefinition, maxTokens int) (openai.ChatCompletionNewParams, error) {
	messages, err := toOpenAIMessages(system, msgs)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	}
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if len(defs) > 0 {
		tools, err := toOpenAITools(defs)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (b *OpenAIBackend) Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	params, err := b.params(req.System, req.Messages, req.Tools, 0)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	b.log.Debug().Str("model", b.model).Int("messages", len(params.Messages)).Int("tools", len(params.Tools)).Msg("openai stream")

	return startPipe(ctx, func(ctx context.Context, w io.Writer) error {
		s := b.client.Chat.Completions.NewStreaming(ctx, params)
		defer s.Close()

		enc := newOpenAIEncoder()
		for s.Next() {
			for _, ev := range enc.chunk(s.Current()) {
				if err := writeLine(w, stream.Encode(ev)); err != nil {
					return err
				}
			}
		}
		if err := s.Err(); err != nil {
			return err
		}
		for _, ev := range enc.finish() {
			if err := writeLine(w, stream.Encode(ev)); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (b *OpenAIBackend) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params, err := b.params("", req.Messages, req.Tools, req.MaxTokens)
	if err != nil {
		return nil, err
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}
	out := &ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for i, c := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Index:        i,
			Message:      Message{Role: "assistant", Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return out, nil
}

// openAIEncoder turns chat completion chunks into canonical events. Tool call
// arguments arrive in fragments keyed by index and are emitted once the
// choice finishes.
type openAIEncoder struct {
	started bool
	calls   map[int64]*openAIPartialCall
	usage   *stream.Usage
	reason  string
}

type openAIPartialCall struct {
	id   string
	name string
	args strings.Builder
}

func newOpenAIEncoder() *openAIEncoder {
	return &openAIEncoder{calls: make(map[int64]*openAIPartialCall)}
}

func (e *openAIEncoder) chunk(c openai.ChatCompletionChunk) []stream.Event {
	var out []stream.Event
	if !e.started {
		e.started = true
		out = append(out, stream.Init{SessionID: c.ID, Model: c.Model})
	}
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			out = append(out, stream.Text{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc := e.calls[tc.Index]
			if pc == nil {
				pc = &openAIPartialCall{}
				e.calls[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			e.reason = choice.FinishReason
			out = append(out, e.flushCalls()...)
		}
	}
	if c.Usage.PromptTokens > 0 || c.Usage.CompletionTokens > 0 {
		e.usage = &stream.Usage{InputTokens: int(c.Usage.PromptTokens), OutputTokens: int(c.Usage.CompletionTokens)}
	}
	return out
}

func (e *openAIEncoder) flushCalls() []stream.Event {
	if len(e.calls) == 0 {
		return nil
	}
	idx := make([]int64, 0, len(e.calls))
	for i := range e.calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	out := make([]stream.Event, 0, len(idx))
	for _, i := range idx {
		pc := e.calls[i]
		out = append(out, stream.ToolStart{ID: pc.id, Name: pc.name, Input: json.RawMessage(sanitizeToolCallArguments(pc.args.String()))})
	}
	e.calls = make(map[int64]*openAIPartialCall)
	return out
}

func (e *openAIEncoder) finish() []stream.Event {
	out := e.flushCalls()
	if e.usage != nil {
		out = append(out, *e.usage)
	}
	reason := e.reason
	switch reason {
	case "tool_calls", "function_call":
		reason = "tool_use"
	case "stop", "":
		reason = "end_turn"
	}
	return append(out, stream.Complete{StopReason: reason})
}

// sanitizeToolCallArguments always returns a JSON object. Truncated or
// malformed argument text is repaired when possible.
func sanitizeToolCallArguments(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "{}"
	}
	if !json.Valid([]byte(raw)) {
		repaired, err := jsonrepair.JSONRepair(raw)
		if err != nil || !json.Valid([]byte(repaired)) {
			b, _ := json.Marshal(map[string]string{"__raw": raw})
			return string(b)
		}
		raw = repaired
	}
	if !strings.HasPrefix(raw, "{") {
		b, _ := json.Marshal(map[string]json.RawMessage{"value": json.RawMessage(raw)})
		return string(b)
	}
	return raw
}

func toOpenAIMessages(system string, msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, openai.SystemMessage(s))
	}
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			out = append(out, openai.UserMessage(m.Content))
		case "assistant":
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				if strings.TrimSpace(call.Function.Name) == "" {
					return nil, errors.New("tool call missing function name")
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Function.Name,
							Arguments: sanitizeToolCallArguments(call.Function.Arguments),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			if strings.TrimSpace(m.ToolCallID) == "" {
				return nil, errors.New("tool message missing tool_call_id")
			}
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case "":
			return nil, errors.New("message role is required")
		default:
			return nil, errors.New("unsupported message role: " + m.Role)
		}
	}
	return out, nil
}

func toOpenAITools(defs []ToolDefinition) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema, err := toJSONSchemaMap(d.Function.Parameters)
		if err != nil {
			return nil, err
		}
		fn := shared.FunctionDefinitionParam{
			Name:       d.Function.Name,
			Parameters: shared.FunctionParameters(schema),
		}
		if desc := strings.TrimSpace(d.Function.Description); desc != "" {
			fn.Description = openai.String(desc)
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

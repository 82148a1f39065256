package llm

import (
	"context"
	"errors"
	"strings"
)

const (
	defaultSummaryMaxTokens = 512
	defaultSummaryMaxChars  = 1200
)

// Summarizer condenses a conversation transcript with a plain completion.
// It satisfies thread.Summarizer.
type Summarizer struct {
	Client    ChatClient
	MaxTokens int
	MaxChars  int
}

func NewSummarizer(client ChatClient) *Summarizer {
	return &Summarizer{Client: client}
}

func (s *Summarizer) Summarize(ctx context.Context, conversationText string) (string, error) {
	if s == nil || s.Client == nil {
		return "", errors.New("summarizer has no client")
	}
	if strings.TrimSpace(conversationText) == "" {
		return "", errors.New("empty transcript")
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}
	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = defaultSummaryMaxChars
	}

	sys := Message{
		Role: "system",
		Content: strings.Join([]string{
			"You are compacting a conversation transcript so it can continue in a fresh context.",
			"Write a concise, factual summary that preserves: user goal, constraints, key decisions, key tool results, and open TODOs.",
			"Start with one short line naming the topic. Avoid fluff. Do not invent details.",
		}, "\n"),
	}
	user := Message{
		Role:    "user",
		Content: "Transcript:\n\n" + conversationText,
	}
	resp, err := s.Client.Chat(ctx, ChatRequest{
		Messages:    []Message{sys, user},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("no choices in summary response")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return clampUTF8(summary, maxChars), nil
}

func clampUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

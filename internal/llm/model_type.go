package llm

import (
	"fmt"
	"strings"
)

type BackendKind string

const (
	BackendAnthropic  BackendKind = "anthropic"
	BackendOpenAI     BackendKind = "openai"
	BackendSubprocess BackendKind = "subprocess"
)

func ParseBackendKind(raw string) (BackendKind, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "", string(BackendAnthropic), "anthropics", "claude":
		return BackendAnthropic, nil
	case string(BackendOpenAI), "openai-compatible":
		return BackendOpenAI, nil
	case string(BackendSubprocess), "cli", "claude-code":
		return BackendSubprocess, nil
	default:
		return "", fmt.Errorf("unsupported backend.kind %q (supported: %q, %q, %q)", raw, BackendAnthropic, BackendOpenAI, BackendSubprocess)
	}
}

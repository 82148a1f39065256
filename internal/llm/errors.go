package llm

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
)

// ErrorKind groups backend failures by what the user can do about them.
type ErrorKind int

const (
	ErrorOther ErrorKind = iota
	ErrorContextOverflow
	ErrorRateLimit
	ErrorAuth
	ErrorUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorContextOverflow:
		return "context_overflow"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorAuth:
		return "auth"
	case ErrorUnavailable:
		return "unavailable"
	default:
		return "other"
	}
}

// Hint is the follow-up advice shown under a failed turn.
func (k ErrorKind) Hint() string {
	switch k {
	case ErrorContextOverflow:
		return "The conversation no longer fits the model's context window. Run /compact and retry."
	case ErrorRateLimit:
		return "The backend is rate limiting requests. Wait a moment and retry."
	case ErrorAuth:
		return "The backend rejected the credentials. Check backend.api_key or the provider's API key variable."
	case ErrorUnavailable:
		return "The backend is unreachable or overloaded. Retry shortly."
	default:
		return ""
	}
}

var (
	windowTooSmallRe = regexp.MustCompile(`(?i)context window.*(too small|minimum is)`)
	overflowRe       = regexp.MustCompile(`(?i)context.*overflow|context window.*(too (?:large|long)|exceed|over|limit|max(?:imum)?|requested|sent|tokens)|prompt.*(too (?:large|long)|exceed|over|limit|max(?:imum)?)|(?:request|input).*(?:context|window|length|token).*(too (?:large|long)|exceed|over|limit|max(?:imum)?)`)
	rateLimitRe      = regexp.MustCompile(`(?i)rate limit|too many requests|requests per (?:minute|hour|day)|quota|throttl|\b429\b|\btpm\b|\btpd\b`)
	authRe           = regexp.MustCompile(`(?i)invalid (?:x-)?api[ _-]?key|unauthori[sz]ed|authentication|permission denied|\b401\b|\b403\b|not logged in|please run .*login`)
	unavailableRe    = regexp.MustCompile(`(?i)overloaded|service unavailable|bad gateway|connection refused|connection reset|no such host|\b5(?:00|02|03|04|29)\b`)

	overflowPhrases = []string{
		"request_too_large",
		"request exceeds the maximum size",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"exceeds model context window",
		"context overflow:",
	}
)

// ClassifyError inspects a backend failure. Hosted SDK errors are judged by
// status code first; subprocess and stream errors by their text.
func ClassifyError(err error) ErrorKind {
	if err == nil || errors.Is(err, context.Canceled) {
		return ErrorOther
	}
	text := err.Error()
	if overflowText(text) {
		return ErrorContextOverflow
	}
	switch status := statusCode(err); {
	case status == 413:
		return ErrorContextOverflow
	case status == 429:
		return ErrorRateLimit
	case status == 401 || status == 403:
		return ErrorAuth
	case status >= 500:
		return ErrorUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorUnavailable
	}
	switch {
	case rateLimitRe.MatchString(text):
		return ErrorRateLimit
	case authRe.MatchString(text):
		return ErrorAuth
	case unavailableRe.MatchString(text):
		return ErrorUnavailable
	}
	return ErrorOther
}

func statusCode(err error) int {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	return 0
}

func overflowText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || windowTooSmallRe.MatchString(text) {
		return false
	}
	// "request reached ... limit" reads like overflow but is a quota.
	if rateLimitRe.MatchString(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range overflowPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	if strings.Contains(lower, "request size exceeds") &&
		(strings.Contains(lower, "context window") || strings.Contains(lower, "context length")) {
		return true
	}
	if strings.Contains(lower, "413") && strings.Contains(lower, "too large") {
		return true
	}
	return overflowRe.MatchString(text)
}

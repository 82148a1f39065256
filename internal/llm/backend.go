package llm

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Kind              string
	Model             string
	APIKey            string
	BaseURL           string
	MaxTokens         int
	ThinkingBudget    int
	RequestsPerMinute int

	// Command and Args start the subprocess backend.
	Command string
	Args    []string
	Dir     string

	HTTPClient *http.Client
}

// New builds the backend selected by cfg.Kind. The returned ChatClient is nil
// for backends that cannot serve plain completions.
func New(cfg Config, log zerolog.Logger) (Backend, ChatClient, error) {
	kind, err := ParseBackendKind(cfg.Kind)
	if err != nil {
		return nil, nil, err
	}
	log = log.With().Str("backend", string(kind)).Logger()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	switch kind {
	case BackendAnthropic:
		b, err := NewAnthropicBackend(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case BackendOpenAI:
		b, err := NewOpenAIBackend(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case BackendSubprocess:
		b, err := NewSubprocessBackend(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", kind)
	}
}

// newLimiter paces requests; rpm <= 0 disables pacing.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(math.Max(1, float64(rpm)/10))
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
}

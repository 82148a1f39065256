package stream

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// maxPendingBytes bounds how much unparsed text is carried between chunks.
const maxPendingBytes = 1 << 20

// Normalizer turns newline-delimited JSON emitted by any supported backend
// into canonical events. It is not safe for concurrent use; one turn owns one
// Normalizer at a time and calls Reset between turns.
type Normalizer struct {
	log zerolog.Logger

	// buf holds the trailing fragment that has not seen a line terminator yet.
	buf string
	// pending holds complete lines that failed to parse; the next line is
	// tried as their continuation.
	pending string

	blocks     map[int]*hostedBlock
	stopReason string
}

type hostedBlock struct {
	kind string
	id   string
	name string
	args strings.Builder
}

func NewNormalizer(log zerolog.Logger) *Normalizer {
	return &Normalizer{
		log:    log,
		blocks: make(map[int]*hostedBlock),
	}
}

// Reset drops any carried-over text and per-message state.
func (n *Normalizer) Reset() {
	n.buf = ""
	n.pending = ""
	n.blocks = make(map[int]*hostedBlock)
	n.stopReason = ""
}

// ProcessChunk appends raw to the carry-over buffer and returns the events
// decoded from every line completed by it.
func (n *Normalizer) ProcessChunk(raw string) []Event {
	if raw == "" {
		return nil
	}
	n.buf += raw

	last := strings.LastIndexByte(n.buf, '\n')
	if last < 0 {
		return nil
	}
	complete := n.buf[:last]
	n.buf = n.buf[last+1:]

	var out []Event
	for _, line := range strings.Split(complete, "\n") {
		out = append(out, n.processLine(line)...)
	}
	return out
}

// Flush decodes whatever is left in the buffer as if a terminator had been
// received. Call it once the transport reports end of stream.
func (n *Normalizer) Flush() []Event {
	rest := n.buf
	n.buf = ""
	out := n.processLine(rest)
	if n.pending != "" {
		n.log.Debug().Int("bytes", len(n.pending)).Msg("dropping unparsed stream fragment at end of stream")
		n.pending = ""
	}
	return out
}

func (n *Normalizer) processLine(line string) []Event {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	if n.pending != "" {
		joined := n.pending + line
		if events, ok := n.parseLine(joined); ok {
			n.pending = ""
			return events
		}
		if events, ok := n.parseLine(line); ok {
			n.log.Debug().Int("bytes", len(n.pending)).Msg("discarding unparseable stream line")
			n.pending = ""
			return events
		}
		n.pending = joined
		n.boundPending()
		return nil
	}

	if events, ok := n.parseLine(line); ok {
		return events
	}
	n.pending = line
	n.boundPending()
	return nil
}

func (n *Normalizer) boundPending() {
	if len(n.pending) > maxPendingBytes {
		n.log.Warn().Int("bytes", len(n.pending)).Msg("unparsed stream fragment too large; discarding")
		n.pending = ""
	}
}

type probe struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

// parseLine reports ok=false only when line is not valid JSON, which signals
// that it may be the first half of a split payload.
func (n *Normalizer) parseLine(line string) ([]Event, bool) {
	raw := []byte(strings.TrimSpace(line))
	if !json.Valid(raw) {
		return nil, false
	}
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		// Valid JSON but not an object: nothing to extract.
		return nil, true
	}
	typ := strings.TrimSpace(p.Type)

	if isCanonicalType(typ) {
		if ev, ok := decodeCanonical(raw); ok {
			return []Event{ev}, true
		}
	}
	if isHostedType(typ) {
		return n.decodeHosted(typ, raw), true
	}
	if isAgentType(typ) {
		return decodeAgent(typ, raw), true
	}
	if p.Text != nil && *p.Text != "" {
		return []Event{Text{Text: *p.Text}}, true
	}
	if typ != "" {
		n.log.Debug().Str("type", typ).Msg("ignoring unrecognized stream payload")
	}
	return nil, true
}

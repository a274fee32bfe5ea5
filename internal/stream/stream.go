// Package stream accumulates token usage from a streaming LLM response
// without ever buffering the whole body. It is driven line-by-line by
// the flow's own byte pump as bytes arrive from upstream, so it never
// blocks forwarding chunks on to the client.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/tokentap/tokentap/internal/extract"
	"github.com/tokentap/tokentap/internal/provider"
)

// State is the accumulator's lifecycle stage for one flow's stream.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

const defaultTailCapBytes = 256 * 1024

// Accumulator is per-flow, never shared across goroutines concurrently —
// one flow's response byte pump owns it for the flow's lifetime.
type Accumulator struct {
	cfg         *provider.ResponseSSEConfig
	captureFull bool
	tailCap     int

	state State
	delta extract.UsageDelta
	skip  int

	eventType string
	dataLines []string

	tail    []byte
	dropped int
}

// New creates an Accumulator for one flow's streaming response.
// tailCapBytes <= 0 uses the default 256 KiB cap.
func New(def provider.Definition, captureFull bool, tailCapBytes int) *Accumulator {
	if tailCapBytes <= 0 {
		tailCapBytes = defaultTailCapBytes
	}
	return &Accumulator{
		cfg:         def.ResponseSSE,
		captureFull: captureFull,
		tailCap:     tailCapBytes,
		state:       StateInit,
	}
}

// Feed processes one line of the raw stream. Blank lines are an SSE
// event boundary and must be reported via EventBoundary, not Feed.
func (a *Accumulator) Feed(line []byte) {
	a.appendTail(line)

	format := a.format()
	text := string(line)

	switch {
	case format == "json_lines" || format == "use_last_chunk":
		// Every non-empty line is itself a complete event; there is no
		// event:/data: framing to wait on.
		if strings.TrimSpace(text) == "" {
			return
		}
		a.apply(frameEvent{data: stripSSEPrefix(text)})

	case strings.HasPrefix(text, "event:"):
		a.eventType = strings.TrimSpace(strings.TrimPrefix(text, "event:"))

	case strings.HasPrefix(text, "data:"):
		a.dataLines = append(a.dataLines, strings.TrimSpace(strings.TrimPrefix(text, "data:")))

	case strings.HasPrefix(text, ":"):
		// SSE comment line, ignored.

	case format == "sse_or_json_lines" && looksLikeJSON(text):
		// Some providers (Kiro/agentic transports) interleave bare JSON
		// lines with SSE-framed ones on the same connection.
		a.apply(frameEvent{data: text})
	}
}

// EventBoundary flushes the currently buffered SSE event (a blank line
// in the underlying transport).
func (a *Accumulator) EventBoundary() {
	if a.eventType == "" && len(a.dataLines) == 0 {
		return
	}
	ev := frameEvent{eventType: a.eventType, data: strings.Join(a.dataLines, "\n")}
	a.eventType = ""
	a.dataLines = nil
	if ev.data == "" {
		return
	}
	if ev.data == "[DONE]" {
		a.state = StateDone
		return
	}
	a.apply(ev)
}

// Finalize flushes any trailing buffered event and marks the stream
// done, reporting whether the tail buffer had to drop earlier bytes.
func (a *Accumulator) Finalize() (extract.UsageDelta, bool) {
	a.EventBoundary()
	a.state = StateDone
	return a.delta, a.dropped > 0
}

// SkipCount is the number of malformed frames seen so far. Malformed
// frames never abort the flow; forwarding continues regardless.
func (a *Accumulator) SkipCount() int {
	return a.skip
}

// Tail returns the bounded raw-byte buffer captured for this stream,
// present only when the accumulator was built with captureFull=true.
func (a *Accumulator) Tail() []byte {
	return a.tail
}

func (a *Accumulator) apply(ev frameEvent) {
	next, delta, err := step(a.state, a.cfg, a.delta, ev)
	if err != nil {
		a.skip++
		return
	}
	a.state = next
	a.delta = delta
}

func (a *Accumulator) format() string {
	if a.cfg == nil {
		return "sse"
	}
	if a.cfg.Format == "" {
		return "sse"
	}
	return a.cfg.Format
}

func (a *Accumulator) appendTail(line []byte) {
	if !a.captureFull {
		return
	}
	need := len(line) + 1 // +1 for the newline the pump stripped
	if len(a.tail)+need > a.tailCap {
		overflow := len(a.tail) + need - a.tailCap
		if overflow >= len(a.tail) {
			a.dropped += len(a.tail)
			a.tail = a.tail[:0]
		} else {
			a.dropped += overflow
			a.tail = a.tail[overflow:]
		}
	}
	a.tail = append(a.tail, line...)
	a.tail = append(a.tail, '\n')
}

func stripSSEPrefix(line string) string {
	if strings.HasPrefix(line, "data:") {
		return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	return line
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return json.Valid([]byte(s))
}

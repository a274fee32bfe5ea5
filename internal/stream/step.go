package stream

import (
	"encoding/json"
	"errors"

	"github.com/tokentap/tokentap/internal/extract"
	"github.com/tokentap/tokentap/internal/fieldpath"
	"github.com/tokentap/tokentap/internal/provider"
)

// errMalformedFrame marks a frame that failed to decode as JSON. The
// caller increments its skip counter and stays in the current state;
// this is never fatal to the flow.
var errMalformedFrame = errors.New("stream: malformed frame")

// frameEvent is one complete SSE/json-lines event ready for evaluation.
type frameEvent struct {
	eventType string
	data      string
}

// step applies a single parsed event to the accumulator's running state.
// It is a pure function with no I/O: given the current state, the
// provider's SSE field-path config, the usage accumulated so far, and
// one event, it returns the next state and the (possibly updated) usage.
// Unit tests drive this directly against recorded transcripts.
func step(st State, cfg *provider.ResponseSSEConfig, cur extract.UsageDelta, ev frameEvent) (State, extract.UsageDelta, error) {
	var doc any
	if err := json.Unmarshal([]byte(ev.data), &doc); err != nil {
		return st, cur, errMalformedFrame
	}

	next := st
	if next == StateInit {
		next = StateStreaming
	}

	if cfg == nil {
		return next, cur, nil
	}

	if matchesEvent(cfg.InputTokensEvent, ev.eventType) {
		if n, ok := evalCount(cfg.InputTokensPath, doc); ok {
			cur.InputTokens = n
		}
	}
	if matchesEvent(cfg.OutputTokensEvent, ev.eventType) {
		// Providers report running totals, not deltas: replace, never sum.
		if n, ok := evalCount(cfg.OutputTokensPath, doc); ok {
			cur.OutputTokens = n
		}
	}
	return next, cur, nil
}

// matchesEvent reports whether ev should be evaluated against a field
// path bound to wantEvent. An empty wantEvent means "every event" —
// providers like OpenAI and Gemini don't frame usage behind a named SSE
// event type at all.
func matchesEvent(wantEvent, ev string) bool {
	return wantEvent == "" || wantEvent == ev
}

func evalCount(path fieldpath.AltPath, doc any) (int, bool) {
	r := path.Eval(doc)
	if !r.Found {
		return 0, false
	}
	switch n := r.Value.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

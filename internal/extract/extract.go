// Package extract pulls structured data out of decoded LLM API request
// and response bodies using a provider's declarative field-path
// configuration, with a quality check that detects a misconfigured or
// surprising provider schema and falls back to a hand-written legacy
// parser for that single flow.
package extract

import (
	"log/slog"
	"sync"

	"github.com/tokentap/tokentap/internal/fieldpath"
	"github.com/tokentap/tokentap/internal/provider"
	"github.com/tokentap/tokentap/internal/provider/builtin"
)

// RequestDigest is what the extractor pulls out of a decoded request body.
type RequestDigest struct {
	Model      string
	Messages   []any
	System     []any
	Tools      []any
	Thinking   []any
	Metadata   map[string]any
	TextSample string
}

// UsageDelta is what the extractor pulls out of a decoded (or accumulated)
// response: token counts plus the fields needed for classification.
type UsageDelta struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Model               string
	StopReason          string
}

// TextSampleBudget caps the size of the concatenated text_fields sample.
const TextSampleBudget = 64 * 1024

// Request extracts model/messages/system/tools/text_sample from a decoded
// request body using def's field paths. Structure is preserved verbatim
// for messages/system/tools; no re-shaping.
func Request(def provider.Definition, doc any) RequestDigest {
	digest := RequestDigest{Model: "unknown"}

	if r := fieldpath.Eval(def.Request.ModelPath, doc); r.Found {
		if s, ok := r.Value.(string); ok && s != "" {
			digest.Model = s
		}
	}
	digest.Messages = asList(fieldpath.Eval(def.Request.MessagesPath, doc))
	digest.System = asList(fieldpath.Eval(def.Request.SystemPath, doc))
	digest.Tools = asList(fieldpath.Eval(def.Request.ToolsPath, doc))
	digest.Thinking = asList(fieldpath.Eval(def.Request.ThinkingPath, doc))

	var sample []byte
	for _, tf := range def.Request.TextFields {
		r := fieldpath.Eval(tf, doc)
		for _, v := range resultValues(r) {
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			if len(sample)+len(s) > TextSampleBudget {
				s = s[:max(0, TextSampleBudget-len(sample))]
			}
			sample = append(sample, s...)
			if len(sample) >= TextSampleBudget {
				break
			}
		}
	}
	digest.TextSample = string(sample)

	return digest
}

// ResponseJSON extracts a UsageDelta from a decoded non-streaming response
// body using def's alternate-path chains. Absent values are zero/none;
// non-numeric or negative values are treated as absent.
func ResponseJSON(def provider.Definition, doc any) UsageDelta {
	var delta UsageDelta
	if def.ResponseJSON == nil {
		return delta
	}
	cfg := def.ResponseJSON

	delta.InputTokens = coerceCount(def.ID, "input_tokens", cfg.InputTokensPath, doc)
	delta.OutputTokens = coerceCount(def.ID, "output_tokens", cfg.OutputTokensPath, doc)
	delta.CacheCreationTokens = coerceCount(def.ID, "cache_creation_tokens", cfg.CacheCreationTokensPath, doc)
	delta.CacheReadTokens = coerceCount(def.ID, "cache_read_tokens", cfg.CacheReadTokensPath, doc)

	if r := cfg.ModelPath.Eval(doc); r.Found {
		if s, ok := r.Value.(string); ok {
			delta.Model = s
		}
	}
	if r := cfg.StopReasonPath.Eval(doc); r.Found {
		if s, ok := r.Value.(string); ok {
			delta.StopReason = s
		}
	}
	return delta
}

// warnOnce dedupes the "non-numeric or negative usage value" log line per
// (provider, path) pair, per spec.
var warnOnce sync.Map

func coerceCount(providerID, field string, path fieldpath.AltPath, doc any) int {
	r := path.Eval(doc)
	if !r.Found {
		return 0
	}
	n, ok := coerceNonNegativeInt(r.Value)
	if ok {
		return n
	}
	key := providerID + "|" + field
	if _, already := warnOnce.LoadOrStore(key, struct{}{}); !already {
		slog.Warn("extract: non-numeric or negative usage value treated as absent",
			"provider", providerID, "field", field, "value", r.Value)
	}
	return 0
}

func coerceNonNegativeInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return int(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asList(r fieldpath.Result) []any {
	if !r.Found {
		return nil
	}
	if r.IsList {
		return r.List
	}
	if arr, ok := r.Value.([]any); ok {
		return arr
	}
	return []any{r.Value}
}

func resultValues(r fieldpath.Result) []any {
	if !r.Found {
		return nil
	}
	if r.IsList {
		return r.List
	}
	return []any{r.Value}
}

// Extractor is the quality-check-selected extraction strategy for one
// flow: either the provider's declarative field paths, or a compiled-in
// legacy parser used when the declarative result looks degraded.
type Extractor interface {
	ExtractRequest(doc any) RequestDigest
	ExtractUsage(doc any, isSSE bool) UsageDelta
}

// Declarative extracts using a provider.Definition's field paths.
type Declarative struct{ Def provider.Definition }

func (d Declarative) ExtractRequest(doc any) RequestDigest {
	return Request(d.Def, doc)
}

// ExtractUsage only handles the buffered JSON case; streaming usage for a
// non-degraded declarative extractor is produced incrementally by
// internal/stream.Accumulator instead of through this method.
func (d Declarative) ExtractUsage(doc any, isSSE bool) UsageDelta {
	if isSSE {
		return UsageDelta{}
	}
	return ResponseJSON(d.Def, doc)
}

// Builtin extracts using one of the hand-written legacy parsers. doc must
// be the raw (possibly accumulated) response body as []byte for
// ExtractUsage; ExtractRequest works off the decoded request document
// using a small set of field names common across known providers.
type Builtin struct{ Parser builtin.Parser }

func (b Builtin) ExtractRequest(doc any) RequestDigest {
	return genericRequestDigest(doc)
}

func (b Builtin) ExtractUsage(doc any, isSSE bool) UsageDelta {
	body, ok := doc.([]byte)
	if !ok {
		return UsageDelta{}
	}
	u, err := b.Parser.ParseUsage(body, isSSE)
	if err != nil || u == nil {
		return UsageDelta{}
	}
	return UsageDelta{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		Model:               u.Model,
	}
}

// genericModelPaths/genericMessagesPaths/genericSystemPaths/genericToolsPaths
// are the field names the known builtin providers actually use at the
// top level of a request body. The legacy extractor tries each in order
// rather than relying on a per-provider declarative config.
var (
	genericModelPaths    = compileAll("$.model", "$.modelId")
	genericMessagesPaths = compileAll("$.messages", "$.contents", "$.conversationState.history")
	genericSystemPaths   = compileAll("$.system", "$.systemInstruction")
	genericToolsPaths    = compileAll("$.tools")
)

func compileAll(paths ...string) []fieldpath.Expr {
	out := make([]fieldpath.Expr, 0, len(paths))
	for _, p := range paths {
		out = append(out, fieldpath.MustCompile(p))
	}
	return out
}

func genericRequestDigest(doc any) RequestDigest {
	digest := RequestDigest{Model: "unknown"}
	for _, p := range genericModelPaths {
		if r := fieldpath.Eval(p, doc); r.Found {
			if s, ok := r.Value.(string); ok && s != "" {
				digest.Model = s
				break
			}
		}
	}
	for _, p := range genericMessagesPaths {
		if r := fieldpath.Eval(p, doc); r.Found {
			digest.Messages = asList(r)
			break
		}
	}
	for _, p := range genericSystemPaths {
		if r := fieldpath.Eval(p, doc); r.Found {
			digest.System = asList(r)
			break
		}
	}
	for _, p := range genericToolsPaths {
		if r := fieldpath.Eval(p, doc); r.Found {
			digest.Tools = asList(r)
			break
		}
	}
	return digest
}

// SelectExtractor applies the quality check from spec §4.3: a declarative
// extraction is degraded when the raw request had >=2 messages but the
// extractor produced fewer, or when a configured system/tools path
// resolves on the raw document but the digest came back empty. Exactly
// one fallback attempt is made per flow — the returned Extractor is never
// itself re-checked.
func SelectExtractor(def provider.Definition, rawDoc any, digest RequestDigest) (ext Extractor, degraded bool) {
	rawMessages := asList(fieldpath.Eval(def.Request.MessagesPath, rawDoc))
	if len(rawMessages) >= 2 && len(digest.Messages) < len(rawMessages) {
		degraded = true
	}

	if !degraded && !def.Request.SystemPath.Empty() {
		raw := fieldpath.Eval(def.Request.SystemPath, rawDoc)
		if raw.Found && digest.System == nil {
			degraded = true
		}
	}
	if !degraded && !def.Request.ToolsPath.Empty() {
		raw := fieldpath.Eval(def.Request.ToolsPath, rawDoc)
		if raw.Found && digest.Tools == nil {
			degraded = true
		}
	}

	if !degraded {
		return Declarative{Def: def}, false
	}

	if p, ok := hostParser(def); ok {
		return Builtin{Parser: p}, true
	}
	// No legacy parser is registered for this provider id; stay
	// declarative rather than leaving the flow with no extractor.
	return Declarative{Def: def}, true
}

func hostParser(def provider.Definition) (builtin.Parser, bool) {
	if p, ok := builtin.ByName(def.ID); ok {
		return p, true
	}
	for _, d := range def.Domains {
		if p, ok := builtin.ForHost(d); ok {
			return p, true
		}
	}
	return nil, false
}

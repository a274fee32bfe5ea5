// Package provider loads and resolves the declarative provider registry:
// the set of known LLM API hosts, where to find token usage and message
// content in their request/response bodies, and the per-provider capture
// and cost metadata that the rest of tokentap builds on.
//
// A registry is loaded from two merged JSON layers (primary, bundled with
// the binary, and an optional operator override) and exposed as an
// immutable snapshot. Reload swaps the snapshot atomically so in-flight
// flows keep reading a coherent definition for their lifetime.
package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/tokentap/tokentap/internal/fieldpath"
	"github.com/tokentap/tokentap/internal/provider/defaults"
)

// RequestConfig locates model, message, system-prompt, and tool-definition
// fields inside a decoded request body.
type RequestConfig struct {
	ModelPath     fieldpath.Expr
	MessagesPath  fieldpath.Expr
	SystemPath    fieldpath.Expr
	ToolsPath     fieldpath.Expr
	ThinkingPath  fieldpath.Expr
	SessionIDPath fieldpath.Expr // provider-declared body path carrying a stable session/conversation id
	DeviceIDPath  fieldpath.Expr // provider-declared body path carrying a telemetry device id
	TextFields    []fieldpath.Expr
}

// ResponseJSONConfig locates usage and metadata fields inside a decoded
// non-streaming response body.
type ResponseJSONConfig struct {
	InputTokensPath         fieldpath.AltPath
	OutputTokensPath        fieldpath.AltPath
	CacheCreationTokensPath fieldpath.AltPath
	CacheReadTokensPath     fieldpath.AltPath
	ModelPath               fieldpath.AltPath
	StopReasonPath          fieldpath.AltPath
}

// ResponseSSEConfig locates usage fields inside the event stream emitted
// by a streaming response, keyed by SSE event type.
type ResponseSSEConfig struct {
	Format            string // "sse", "json_lines", "sse_or_json_lines", "use_last_chunk"
	EventTypes        []string
	InputTokensEvent  string
	InputTokensPath   fieldpath.AltPath
	OutputTokensEvent string
	OutputTokensPath  fieldpath.AltPath
}

// Metadata carries provider-level tags and flat per-token pricing.
type Metadata struct {
	Tags               []string
	CostPerInputToken  float64
	CostPerOutputToken float64
}

// Definition is one provider's complete declarative configuration.
type Definition struct {
	ID                 string
	Domains            []string
	Request            RequestConfig
	ResponseJSON       *ResponseJSONConfig
	ResponseSSE        *ResponseSSEConfig
	Metadata           Metadata
	CaptureFullRequest bool
}

// CaptureMode governs what happens for hosts with no matching Definition.
type CaptureMode int

const (
	// CaptureKnownOnly drops traffic to unrecognized hosts without recording an event.
	CaptureKnownOnly CaptureMode = iota
	// CaptureAll records an event for every host, using the "unknown" fallback definition.
	CaptureAll
)

// ErrConfig reports a structurally invalid provider configuration.
type ErrConfig struct {
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("provider: invalid configuration: %s", e.Reason)
}

// snapshot is the immutable state swapped atomically by Reload.
type snapshot struct {
	defs        map[string]Definition
	domainIndex []domainEntry
	captureMode CaptureMode
}

type domainEntry struct {
	suffix string
	id     string
}

// Registry resolves hosts to provider definitions and supports hot reload.
type Registry struct {
	cur             atomic.Pointer[snapshot]
	primaryPath     string
	overridePath    string
	unknownProvider Definition
}

// Load reads the primary (package-bundled) provider config, deep-merges an
// optional operator override on top, and returns a ready Registry.
//
// primaryPath must exist; overridePath is read only if it exists. Domains
// must be disjoint across providers or Load returns *ErrConfig.
func Load(primaryPath, overridePath string) (*Registry, error) {
	r := &Registry{
		primaryPath:     primaryPath,
		overridePath:    overridePath,
		unknownProvider: unknownDefinition,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads both config layers and atomically swaps the snapshot.
// Existing Resolve/Get callers that already captured a Definition by value
// are unaffected; new calls see the refreshed registry.
func (r *Registry) Reload() error {
	raw, err := loadMergedConfig(r.primaryPath, r.overridePath)
	if err != nil {
		return err
	}

	defs := make(map[string]Definition, len(raw.Providers))
	var idx []domainEntry
	seen := map[string]string{}

	for id, p := range raw.Providers {
		def, err := compileDefinition(id, p)
		if err != nil {
			return err
		}
		defs[def.ID] = def

		for _, d := range def.Domains {
			if owner, ok := seen[d]; ok {
				return &ErrConfig{Reason: fmt.Sprintf("domain %q claimed by both %q and %q", d, owner, def.ID)}
			}
			seen[d] = def.ID
			idx = append(idx, domainEntry{suffix: d, id: def.ID})
		}
	}

	mode := CaptureKnownOnly
	if raw.CaptureAll {
		mode = CaptureAll
	}

	r.cur.Store(&snapshot{defs: defs, domainIndex: idx, captureMode: mode})
	return nil
}

// Resolve returns the provider id whose domain suffix matches host, longest
// suffix first so a more specific provider wins over a broader one.
func (r *Registry) Resolve(host string) (id string, ok bool) {
	snap := r.cur.Load()
	best := ""
	bestID := ""
	for _, e := range snap.domainIndex {
		if MatchDomainSuffix(host, e.suffix) && len(e.suffix) > len(best) {
			best = e.suffix
			bestID = e.id
		}
	}
	if bestID == "" {
		return "", false
	}
	return bestID, true
}

// Get returns the Definition for id, or the "unknown" fallback definition
// when CaptureMode is CaptureAll and id is empty/unrecognized.
func (r *Registry) Get(id string) (Definition, bool) {
	snap := r.cur.Load()
	if id == "" {
		if snap.captureMode == CaptureAll {
			return r.unknownProvider, true
		}
		return Definition{}, false
	}
	d, ok := snap.defs[id]
	return d, ok
}

// CaptureMode reports the registry's current fallback capture policy.
func (r *Registry) CaptureMode() CaptureMode {
	return r.cur.Load().captureMode
}

var unknownDefinition = Definition{
	ID:      "unknown",
	Domains: nil,
	Request: RequestConfig{
		ModelPath:    fieldpath.MustCompile("$.model"),
		MessagesPath: fieldpath.MustCompile("$.messages"),
	},
	ResponseJSON: &ResponseJSONConfig{},
	Metadata:     Metadata{Tags: []string{"unknown"}},
}

// EnsurePrimaryConfig writes the embedded default provider configuration
// to path if nothing exists there yet, mirroring how the proxy's own
// config file is materialized on first run.
func EnsurePrimaryConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("provider: creating config directory: %w", err)
	}
	return os.WriteFile(path, defaults.ProvidersJSON, 0644)
}

func readFileIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func compileDefinition(id string, p providerJSON) (Definition, error) {
	if id == "" {
		return Definition{}, &ErrConfig{Reason: "provider entry missing id"}
	}
	if p.Response.JSON == nil && p.Response.SSE == nil {
		return Definition{}, &ErrConfig{Reason: fmt.Sprintf("provider %q: at least one of response.json/response.sse required", id)}
	}

	req := RequestConfig{
		ModelPath:     fieldpath.MustCompile(p.Request.ModelPath),
		MessagesPath:  fieldpath.MustCompile(p.Request.MessagesPath),
		SystemPath:    fieldpath.MustCompile(p.Request.SystemPath),
		ToolsPath:     fieldpath.MustCompile(p.Request.ToolsPath),
		ThinkingPath:  fieldpath.MustCompile(p.Request.ThinkingPath),
		SessionIDPath: fieldpath.MustCompile(p.Request.SessionIDPath),
		DeviceIDPath:  fieldpath.MustCompile(p.Request.DeviceIDPath),
	}
	for _, tf := range p.Request.TextFields {
		req.TextFields = append(req.TextFields, fieldpath.MustCompile(tf))
	}

	var rj *ResponseJSONConfig
	if p.Response.JSON != nil {
		rj = &ResponseJSONConfig{
			InputTokensPath:         compileAlt(p.Response.JSON.InputTokensPath),
			OutputTokensPath:        compileAlt(p.Response.JSON.OutputTokensPath),
			CacheCreationTokensPath: compileAlt(p.Response.JSON.CacheCreationTokensPath),
			CacheReadTokensPath:     compileAlt(p.Response.JSON.CacheReadTokensPath),
			ModelPath:               compileAlt(p.Response.JSON.ModelPath),
			StopReasonPath:          compileAlt(p.Response.JSON.StopReasonPath),
		}
	}

	var rs *ResponseSSEConfig
	if p.Response.SSE != nil {
		rs = &ResponseSSEConfig{
			Format:            p.Response.SSE.Format,
			EventTypes:        p.Response.SSE.EventTypes,
			InputTokensEvent:  p.Response.SSE.InputTokensEvent,
			InputTokensPath:   compileAlt(p.Response.SSE.InputTokensPath),
			OutputTokensEvent: p.Response.SSE.OutputTokensEvent,
			OutputTokensPath:  compileAlt(p.Response.SSE.OutputTokensPath),
		}
	}

	return Definition{
		ID:           id,
		Domains:      p.Domains,
		Request:      req,
		ResponseJSON: rj,
		ResponseSSE:  rs,
		Metadata: Metadata{
			Tags:               p.Metadata.Tags,
			CostPerInputToken:  p.Metadata.CostPerInputToken,
			CostPerOutputToken: p.Metadata.CostPerOutputToken,
		},
		CaptureFullRequest: p.CaptureFullRequest,
	}, nil
}

func compileAlt(a altPathJSON) fieldpath.AltPath {
	out := fieldpath.AltPath{Primary: fieldpath.MustCompile(a.Primary)}
	for _, alt := range a.Alternates {
		out.Alternates = append(out.Alternates, fieldpath.MustCompile(alt))
	}
	return out
}

// ----- on-disk JSON shape -----

type providersFile struct {
	CaptureAll bool                    `json:"capture_all"`
	Providers  map[string]providerJSON `json:"providers"`
}

type providerJSON struct {
	Domains            []string     `json:"domains"`
	Request            requestJSON  `json:"request"`
	Response           responseJSON `json:"response"`
	Metadata           metadataJSON `json:"metadata"`
	CaptureFullRequest bool         `json:"capture_full_request"`
}

type requestJSON struct {
	ModelPath     string   `json:"model_path"`
	MessagesPath  string   `json:"messages_path"`
	SystemPath    string   `json:"system_path"`
	ToolsPath     string   `json:"tools_path"`
	ThinkingPath  string   `json:"thinking_path"`
	SessionIDPath string   `json:"session_id_path"`
	DeviceIDPath  string   `json:"device_id_path"`
	TextFields    []string `json:"text_fields"`
}

type responseJSON struct {
	JSON *responseJSONConfigJSON `json:"json"`
	SSE  *responseSSEConfigJSON  `json:"sse"`
}

type altPathJSON struct {
	Primary    string   `json:"primary"`
	Alternates []string `json:"alternates"`
}

type responseJSONConfigJSON struct {
	InputTokensPath         altPathJSON `json:"input_tokens_path"`
	OutputTokensPath        altPathJSON `json:"output_tokens_path"`
	CacheCreationTokensPath altPathJSON `json:"cache_creation_tokens_path"`
	CacheReadTokensPath     altPathJSON `json:"cache_read_tokens_path"`
	ModelPath               altPathJSON `json:"model_path"`
	StopReasonPath          altPathJSON `json:"stop_reason_path"`
}

type responseSSEConfigJSON struct {
	Format            string      `json:"format"`
	EventTypes        []string    `json:"event_types"`
	InputTokensEvent  string      `json:"input_tokens_event"`
	InputTokensPath   altPathJSON `json:"input_tokens_path"`
	OutputTokensEvent string      `json:"output_tokens_event"`
	OutputTokensPath  altPathJSON `json:"output_tokens_path"`
}

type metadataJSON struct {
	Tags               []string `json:"tags"`
	CostPerInputToken  float64  `json:"cost_per_input_token"`
	CostPerOutputToken float64  `json:"cost_per_output_token"`
}

// loadMergedConfig reads the primary file (required) and deep-merges the
// override file (optional) on top of it, provider-by-provider keyed on id.
func loadMergedConfig(primaryPath, overridePath string) (providersFile, error) {
	primaryBytes, err := os.ReadFile(primaryPath)
	if err != nil {
		return providersFile{}, fmt.Errorf("provider: reading primary config: %w", err)
	}
	if err := checkShape(primaryBytes, primaryPath); err != nil {
		return providersFile{}, err
	}
	var primary providersFile
	if err := json.Unmarshal(primaryBytes, &primary); err != nil {
		return providersFile{}, fmt.Errorf("provider: decoding primary config: %w", err)
	}

	overrideBytes, ok, err := readFileIfExists(overridePath)
	if err != nil {
		return providersFile{}, fmt.Errorf("provider: reading override config: %w", err)
	}
	if !ok {
		return primary, nil
	}
	if err := checkShape(overrideBytes, overridePath); err != nil {
		return providersFile{}, err
	}

	var primaryRaw, overrideRaw map[string]any
	if err := json.Unmarshal(primaryBytes, &primaryRaw); err != nil {
		return providersFile{}, fmt.Errorf("provider: decoding primary config: %w", err)
	}
	if err := json.Unmarshal(overrideBytes, &overrideRaw); err != nil {
		return providersFile{}, fmt.Errorf("provider: decoding override config: %w", err)
	}

	merged, err := json.Marshal(deepMergeJSON(primaryRaw, overrideRaw))
	if err != nil {
		return providersFile{}, fmt.Errorf("provider: remarshaling merged config: %w", err)
	}

	var out providersFile
	if err := json.Unmarshal(merged, &out); err != nil {
		return providersFile{}, fmt.Errorf("provider: decoding merged config: %w", err)
	}
	return out, nil
}

// deepMergeJSON merges override onto primary: object keys recurse, any
// other value (array or scalar) in override replaces the corresponding
// primary value wholesale. Keys absent from override inherit from primary.
func deepMergeJSON(primary, override map[string]any) map[string]any {
	out := make(map[string]any, len(primary))
	for k, v := range primary {
		out[k] = v
	}
	for k, ov := range override {
		pv, exists := out[k]
		pm, pIsMap := pv.(map[string]any)
		om, oIsMap := ov.(map[string]any)
		if exists && pIsMap && oIsMap {
			out[k] = deepMergeJSON(pm, om)
		} else {
			out[k] = ov
		}
	}
	return out
}

// checkShape does a cheap structural pass over the raw document with gjson
// before the strict json.Unmarshal, so a malformed override file (wrong
// top-level type, a provider entry with a blank id, a response block with
// neither json nor sse) fails with a pointer at the offending entry rather
// than a generic struct-decode error.
func checkShape(raw []byte, path string) error {
	if !gjson.ValidBytes(raw) {
		return &ErrConfig{Reason: fmt.Sprintf("%s: not valid JSON", path)}
	}
	root := gjson.ParseBytes(raw)
	providers := root.Get("providers")
	if providers.Exists() && !providers.IsObject() {
		return &ErrConfig{Reason: fmt.Sprintf("%s: \"providers\" must be an object keyed by provider id", path)}
	}
	var shapeErr error
	providers.ForEach(func(id, p gjson.Result) bool {
		if id.String() == "" {
			shapeErr = &ErrConfig{Reason: fmt.Sprintf("%s: provider entry has blank id", path)}
			return false
		}
		if !p.Get("response.json").Exists() && !p.Get("response.sse").Exists() {
			shapeErr = &ErrConfig{Reason: fmt.Sprintf("%s: provider %q has neither response.json nor response.sse", path, id.String())}
			return false
		}
		return true
	})
	return shapeErr
}


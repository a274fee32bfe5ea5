// Package context resolves the program/project/session labels and the
// device identifier attached to every event.
//
// Both resolutions are priority cascades: explicit signals win over
// inferred ones. Resolve walks header JSON, then discrete headers, then
// environment variables, then user-agent inference. DeviceID walks a
// provider-declared session_id path, then a provider-declared telemetry
// device_id path, then falls back to a stable fingerprint.
package context

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tokentap/tokentap/internal/fieldpath"
)

const (
	HeaderContext = "X-Tokentap-Context"
	HeaderProgram = "X-Tokentap-Program"
	HeaderProject = "X-Tokentap-Project"
	HeaderSession = "X-Tokentap-Session"

	EnvProgram = "TOKENTAP_PROGRAM"
	EnvProject = "TOKENTAP_PROJECT"
	EnvSession = "TOKENTAP_SESSION"
	EnvContext = "TOKENTAP_CONTEXT"
)

// Context carries the program/project/session labels attached to an event.
type Context struct {
	Program string
	Project string
	Session string
	Tags    []string
	Custom  map[string]any
}

// contextJSON is the shape accepted by the X-Tokentap-Context header and
// the TOKENTAP_CONTEXT environment variable.
type contextJSON struct {
	Program string         `json:"program"`
	Project string         `json:"project"`
	Session string         `json:"session"`
	Tags    []string       `json:"tags"`
	Custom  map[string]any `json:"custom"`
}

// Resolve derives a Context for one request. Fields are resolved
// independently: a JSON header can set Program while a discrete header
// sets Session, provided the JSON object left Session empty. Each of the
// four tiers below is tried, in order, only for the fields still empty
// after the previous tiers ran.
func Resolve(h http.Header, env func(string) string, userAgent, host string) Context {
	var ctx Context

	if raw := h.Get(HeaderContext); raw != "" {
		applyContextJSON(&ctx, raw)
	}

	if ctx.Program == "" {
		ctx.Program = h.Get(HeaderProgram)
	}
	if ctx.Project == "" {
		ctx.Project = h.Get(HeaderProject)
	}
	if ctx.Session == "" {
		ctx.Session = h.Get(HeaderSession)
	}

	if env != nil {
		if ctx.Program == "" || ctx.Project == "" || ctx.Session == "" {
			if raw := env(EnvContext); raw != "" {
				applyContextJSON(&ctx, raw)
			}
		}
		if ctx.Program == "" {
			ctx.Program = env(EnvProgram)
		}
		if ctx.Project == "" {
			ctx.Project = env(EnvProject)
		}
		if ctx.Session == "" {
			ctx.Session = env(EnvSession)
		}
	}

	if ctx.Program == "" {
		ctx.Program = ClientType(userAgent)
	}
	if ctx.Project == "" {
		ctx.Project = "none"
	}

	return ctx
}

// applyContextJSON merges a decoded context object into ctx, leaving
// already-populated fields untouched (later tiers never override an
// earlier, more specific one).
func applyContextJSON(ctx *Context, raw string) {
	var parsed contextJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return
	}
	if ctx.Program == "" {
		ctx.Program = parsed.Program
	}
	if ctx.Project == "" {
		ctx.Project = parsed.Project
	}
	if ctx.Session == "" {
		ctx.Session = parsed.Session
	}
	if len(ctx.Tags) == 0 {
		ctx.Tags = parsed.Tags
	}
	if len(ctx.Custom) == 0 {
		ctx.Custom = parsed.Custom
	}
}

var clientTypeTokens = []string{"claude-code", "kiro-cli", "codex", "gemini-cli"}

// ClientType derives a client identifier from user-agent substrings,
// falling back to "generic" when nothing recognisable is present.
func ClientType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, token := range clientTypeTokens {
		if strings.Contains(ua, token) {
			return token
		}
	}
	return "generic"
}

// DeviceID resolves a stable device identifier for grouping events:
// a provider-declared session_id path on the request body, then a
// provider-declared device_id path on a telemetry payload, then a
// fingerprint derived from client IP, OS token, and user-agent token.
func DeviceID(sessionIDPath, deviceIDPath fieldpath.Expr, body any, clientIP, userAgent string) string {
	if !sessionIDPath.Empty() {
		if r := fieldpath.Eval(sessionIDPath, body); r.Found {
			if s, ok := r.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	if !deviceIDPath.Empty() {
		if r := fieldpath.Eval(deviceIDPath, body); r.Found {
			if s, ok := r.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	return Fingerprint(clientIP, osToken(userAgent), userAgentToken(userAgent))
}

// OSToken exposes the user-agent OS parsing used by the fingerprint path,
// for callers (the device registry) that need the same coarse OS label
// without going through the full fingerprint.
func OSToken(userAgent string) string {
	return osToken(userAgent)
}

// Fingerprint hashes the given parts with SHA-256 and returns the first
// 16 bytes as hex, matching the 128-bit truncated digest spec.md calls
// for. SHA-256 is used instead of BLAKE2 purely because it's already in
// the standard library and nothing in the retrieval pack imports a
// BLAKE2 package for identifier hashing.
func Fingerprint(clientIP, osToken, userAgentToken string) string {
	sum := sha256.Sum256([]byte(clientIP + "||" + osToken + "||" + userAgentToken))
	return hex.EncodeToString(sum[:16])
}

// userAgentToken returns a short, stable token from the user agent for
// fingerprinting purposes: the product token before the first "/" or
// whitespace, e.g. "claude-cli/1.2.3 (...)" -> "claude-cli".
func userAgentToken(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return "unknown"
	}
	end := strings.IndexAny(ua, "/ ")
	if end == -1 {
		return ua
	}
	return ua[:end]
}

// osToken parses a coarse operating system token out of a user-agent
// string, defaulting to "other" when nothing recognisable is present.
func osToken(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macos") || strings.Contains(ua, "darwin"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "ios") || strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return "ios"
	default:
		return "other"
	}
}

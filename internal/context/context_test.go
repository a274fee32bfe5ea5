package context

import (
	"net/http"
	"testing"

	"github.com/tokentap/tokentap/internal/fieldpath"
)

func noEnv(string) string { return "" }

func TestResolveContextJSONHeaderWins(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderContext, `{"program":"agent-a","project":"proj-x","session":"sess-1"}`)
	h.Set(HeaderProgram, "should-not-be-used")

	ctx := Resolve(h, noEnv, "", "")
	if ctx.Program != "agent-a" || ctx.Project != "proj-x" || ctx.Session != "sess-1" {
		t.Fatalf("got %+v", ctx)
	}
}

func TestResolveDiscreteHeadersFillGapsLeftByJSON(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderContext, `{"program":"agent-a"}`)
	h.Set(HeaderProject, "proj-from-header")
	h.Set(HeaderSession, "sess-from-header")

	ctx := Resolve(h, noEnv, "", "")
	if ctx.Program != "agent-a" || ctx.Project != "proj-from-header" || ctx.Session != "sess-from-header" {
		t.Fatalf("got %+v", ctx)
	}
}

func TestResolveEnvVarsUsedWhenHeadersAbsent(t *testing.T) {
	env := map[string]string{
		EnvProgram: "env-program",
		EnvProject: "env-project",
		EnvSession: "env-session",
	}
	ctx := Resolve(http.Header{}, func(k string) string { return env[k] }, "", "")
	if ctx.Program != "env-program" || ctx.Project != "env-project" || ctx.Session != "env-session" {
		t.Fatalf("got %+v", ctx)
	}
}

func TestResolveFallsBackToUserAgentInference(t *testing.T) {
	ctx := Resolve(http.Header{}, noEnv, "claude-code/1.0 (darwin)", "")
	if ctx.Program != "claude-code" {
		t.Fatalf("Program = %q, want claude-code", ctx.Program)
	}
	if ctx.Project != "none" {
		t.Fatalf("Project = %q, want none", ctx.Project)
	}
}

func TestClientTypeUnrecognisedUserAgentIsGeneric(t *testing.T) {
	if got := ClientType("Mozilla/5.0"); got != "generic" {
		t.Fatalf("ClientType = %q, want generic", got)
	}
}

func TestClientTypeRecognisesKnownTokens(t *testing.T) {
	cases := map[string]string{
		"kiro-cli/2.0":              "kiro-cli",
		"codex-cli/0.4 (codex)":     "codex",
		"gemini-cli/1.1":            "gemini-cli",
		"ClaudeCode-Client claude-code/1.0": "claude-code",
	}
	for ua, want := range cases {
		if got := ClientType(ua); got != want {
			t.Fatalf("ClientType(%q) = %q, want %q", ua, got, want)
		}
	}
}

func TestDeviceIDPrefersSessionIDPath(t *testing.T) {
	body := map[string]any{"session_id": "sess-abc", "metadata": map[string]any{"device_id": "dev-xyz"}}
	id := DeviceID(fieldpath.MustCompile("$.session_id"), fieldpath.MustCompile("$.metadata.device_id"), body, "1.2.3.4", "ua")
	if id != "sess-abc" {
		t.Fatalf("DeviceID = %q, want sess-abc", id)
	}
}

func TestDeviceIDFallsBackToTelemetryPathWhenSessionIDAbsent(t *testing.T) {
	body := map[string]any{"metadata": map[string]any{"device_id": "dev-xyz"}}
	id := DeviceID(fieldpath.MustCompile("$.session_id"), fieldpath.MustCompile("$.metadata.device_id"), body, "1.2.3.4", "ua")
	if id != "dev-xyz" {
		t.Fatalf("DeviceID = %q, want dev-xyz", id)
	}
}

func TestDeviceIDFallsBackToFingerprintWhenNoPathsResolve(t *testing.T) {
	id := DeviceID(fieldpath.Expr{}, fieldpath.Expr{}, map[string]any{}, "1.2.3.4", "claude-cli/1.0 (linux)")
	want := Fingerprint("1.2.3.4", "linux", "claude-cli")
	if id != want {
		t.Fatalf("DeviceID = %q, want %q", id, want)
	}
	if len(id) != 32 {
		t.Fatalf("fingerprint hex length = %d, want 32 (16 bytes)", len(id))
	}
}

func TestFingerprintUnknownOSTokenIsOther(t *testing.T) {
	got := osToken("some-weird-ua-string")
	if got != "other" {
		t.Fatalf("osToken = %q, want other", got)
	}
}

func TestFingerprintStableForSameInputs(t *testing.T) {
	a := Fingerprint("1.1.1.1", "linux", "curl")
	b := Fingerprint("1.1.1.1", "linux", "curl")
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	c := Fingerprint("1.1.1.2", "linux", "curl")
	if a == c {
		t.Fatalf("fingerprint did not change with different IP")
	}
}

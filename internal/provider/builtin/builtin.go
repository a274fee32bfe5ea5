// Package builtin holds the hand-written usage parsers for Anthropic,
// OpenAI, Bedrock, and Gemini. These are the legacy fallback arm of the
// extractor sum type: they only run when a provider's declarative field
// paths fail the quality check against a captured response.
package builtin

// Usage is the token usage a Parser pulls out of a raw response body.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Model               string
}

// Parser is a hardcoded, provider-specific usage extractor.
type Parser interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// DetectHost returns true if this parser handles the given host.
	DetectHost(host string) bool

	// ParseUsage extracts token usage from a response body.
	// For SSE responses, pass the complete accumulated body.
	ParseUsage(body []byte, isSSE bool) (*Usage, error)
}

// All is the fixed set of builtin parsers, tried in order by host match.
var All = []Parser{
	&Anthropic{},
	&OpenAI{},
	&Bedrock{},
	&Gemini{},
}

// ForHost returns the first parser whose DetectHost matches host.
func ForHost(host string) (Parser, bool) {
	for _, p := range All {
		if p.DetectHost(host) {
			return p, true
		}
	}
	return nil, false
}

// ByName returns the parser with the given provider id.
func ByName(name string) (Parser, bool) {
	for _, p := range All {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

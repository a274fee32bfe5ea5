package extract

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// estimationEncoding is the encoding used for text_sample-derived token
// estimates. cl100k_base is close enough across providers for an estimate
// that only exists because the provider didn't report real usage.
const estimationEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(estimationEncoding)
		if err != nil {
			slog.Warn("extract: tiktoken encoding unavailable, token estimates disabled", "error", err)
			return
		}
		encoding = enc
	})
	return encoding
}

// EstimateTokens returns a tiktoken-based token count for sample, for use
// only when a provider's response carries no usage field to extract from.
// Returns 0 if the encoding failed to load or sample is empty.
func EstimateTokens(sample string) int {
	if sample == "" {
		return 0
	}
	enc := loadEncoding()
	if enc == nil {
		return 0
	}
	return len(enc.Encode(sample, nil, nil))
}

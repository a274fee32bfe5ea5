package pricing

// Estimate computes an event's cost: the provider-declared flat
// per-token rate wins when present (source "exact"); otherwise it falls
// back to an optional LiteLLM Source lookup (source "estimated"). Cache
// token counts never contribute, matching total_tokens' own invariant.
func Estimate(costPerInputToken, costPerOutputToken float64, provider, model string, inputTokens, outputTokens int, fallback *Source) (cost *float64, source string) {
	if costPerInputToken > 0 || costPerOutputToken > 0 {
		c := float64(inputTokens)*costPerInputToken + float64(outputTokens)*costPerOutputToken
		return &c, "exact"
	}

	if fallback == nil {
		return nil, ""
	}
	price := fallback.GetPrice(provider, model)
	if price == nil {
		return nil, ""
	}
	c := float64(inputTokens)*price.InputCostPer1k/1000 + float64(outputTokens)*price.OutputCostPer1k/1000
	return &c, "estimated"
}

package extract

import "encoding/json"

// ToolInvocation is one tool call the model made, optionally correlated
// with the result a later request in the same conversation supplied for
// it. It rides along on RequestDigest/Event as an auxiliary field, not a
// store table of its own — tokentap's event model has no independent
// tool-invocation concept.
type ToolInvocation struct {
	ID     string
	Name   string
	Input  map[string]any
	Result *ToolResult
}

// ToolResult is a tool_result block found in a later request.
type ToolResult struct {
	IsError bool
	Content *string
}

// ToolUsesFromResponseJSON extracts tool invocations from a non-streaming
// JSON response body, auto-detecting Anthropic's top-level "content"
// array or OpenAI's "choices[].message.tool_calls" shape.
func ToolUsesFromResponseJSON(body []byte) []*ToolInvocation {
	if len(body) == 0 {
		return nil
	}
	if tools := anthropicToolUses(body); tools != nil {
		return tools
	}
	return openAIToolUses(body)
}

func anthropicToolUses(body []byte) []*ToolInvocation {
	var resp struct {
		Content []struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Content) == 0 {
		return nil
	}

	var tools []*ToolInvocation
	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.ID == "" || block.Name == "" {
			continue
		}
		tools = append(tools, &ToolInvocation{ID: block.ID, Name: block.Name, Input: block.Input})
	}
	return tools
}

func openAIToolUses(body []byte) []*ToolInvocation {
	var resp struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return nil
	}

	var tools []*ToolInvocation
	for _, choice := range resp.Choices {
		for _, call := range choice.Message.ToolCalls {
			if call.ID == "" || call.Function.Name == "" {
				continue
			}
			tool := &ToolInvocation{ID: call.ID, Name: call.Function.Name}
			if call.Function.Arguments != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
					tool.Input = args
				}
			}
			tools = append(tools, tool)
		}
	}
	return tools
}

// ToolResultsFromRequest parses a later request body for Anthropic-style
// tool_result content blocks, keyed by the tool_use_id they answer.
func ToolResultsFromRequest(body []byte) map[string]*ToolResult {
	if len(body) == 0 {
		return nil
	}
	var req struct {
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}

	results := make(map[string]*ToolResult)
	for _, msg := range req.Messages {
		var blocks []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			IsError   bool            `json:"is_error"`
			Content   json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			continue
		}
		for _, block := range blocks {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			r := &ToolResult{IsError: block.IsError}
			if block.IsError && len(block.Content) > 0 {
				var text string
				if err := json.Unmarshal(block.Content, &text); err == nil && text != "" {
					r.Content = &text
				}
			}
			results[block.ToolUseID] = r
		}
	}
	if len(results) == 0 {
		return nil
	}
	return results
}

// Correlate attaches a ToolResult found in a later request to the
// invocation it answers, matched by tool_use_id.
func Correlate(invocations []*ToolInvocation, results map[string]*ToolResult) {
	for _, inv := range invocations {
		if r, ok := results[inv.ID]; ok {
			inv.Result = r
		}
	}
}

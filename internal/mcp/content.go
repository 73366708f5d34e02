package mcp

import (
	"encoding/json"
	"strings"
)

// Wrap renders v as an MCP tool result with a single JSON text block.
func Wrap(v any) map[string]any {
	text, ok := v.(string)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			text = err.Error()
		} else {
			text = string(data)
		}
	}
	return map[string]any{
		"content": []any{map[string]any{"type": "text", "text": text}},
	}
}

// Unwrap strips an MCP content envelope of the form
// {"content":[{"type":"text","text":...}]}. When the text is JSON the
// decoded value is returned; other values pass through unchanged.
func Unwrap(v any) any {
	var blocks []any
	switch env := v.(type) {
	case map[string]any:
		list, ok := env["content"].([]any)
		if !ok || len(env) > 2 {
			return v
		}
		blocks = list
	case *ToolCallResult:
		if env == nil {
			return v
		}
		text, _ := FormatResult(env)
		return decodeText(text)
	default:
		return v
	}

	var texts []string
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "text" {
			return v
		}
		text, _ := block["text"].(string)
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return v
	}
	return decodeText(strings.Join(texts, "\n"))
}

func decodeText(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return text
}

// FormatResult flattens a tool result to text. All-text results are joined
// with newlines; anything else is returned as JSON.
func FormatResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}

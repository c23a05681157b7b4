package mcpclient

import (
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// unwrapResult normalizes heterogeneous tool response envelopes into the
// payload a caller actually wants. The decode order is explicit: a remote
// error first, then the wrapped (structured) shape, then the raw content
// list with a JSON-looking text payload decoded, then the text itself.
func unwrapResult(identifier string, result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, nil
	}
	if result.IsError {
		return nil, &ToolExecutionError{
			Identifier: identifier,
			Message:    contentText(result.Content),
		}
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if len(result.Content) == 0 {
		return nil, nil
	}
	if text, ok := result.Content[0].(*mcp.TextContent); ok {
		return decodeText(text.Text), nil
	}
	return result.Content, nil
}

// decodeText parses JSON-looking text payloads; anything else is returned
// verbatim, including text that merely resembles JSON but fails to parse.
func decodeText(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var value any
		if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
			return value
		}
	}
	return text
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

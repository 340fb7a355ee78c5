package mcp

import (
	"fmt"
	"sort"
	"strings"
)

// FormatToolsForPrompt renders the tool catalog as a prompt section
// the model can act on. Parameter names come from the tool's
// inputSchema properties.
func FormatToolsForPrompt(tools []McpTool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have access to these tools:\n\n")

	for _, tool := range tools {
		fmt.Fprintf(&b, "## %s\n%s\n", tool.Name, tool.Description)

		if props, ok := tool.InputSchema["properties"].(map[string]any); ok && len(props) > 0 {
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				keys[i] = fmt.Sprintf("%q", k)
			}
			fmt.Fprintf(&b, "Parameters: {%s}\n", strings.Join(keys, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(`To use a tool, respond with:
<tool_call>
{"name": "tool_name", "arguments": {"param": "value"}}
</tool_call>

After the tool result, continue your response naturally.
`)
	return b.String()
}

// FormatToolResult renders a tool reply as conversational text to be
// spliced into the next model turn. Errors stay inline so the
// conversation continues even when a capability is unavailable.
func FormatToolResult(toolName string, result *CallToolResult) string {
	var b strings.Builder
	for _, content := range result.Content {
		switch content.Type {
		case "text":
			b.WriteString(content.Text)
		case "image":
			b.WriteString("[Image content]")
		case "resource":
			if content.Resource != nil && content.Resource.Text != "" {
				b.WriteString(content.Resource.Text)
			} else if content.Resource != nil {
				fmt.Fprintf(&b, "[Resource: %s]", content.Resource.URI)
			}
		default:
			fmt.Fprintf(&b, "[%s content]", content.Type)
		}
	}

	if result.IsError {
		return fmt.Sprintf("Tool '%s' error: %s", toolName, b.String())
	}
	return fmt.Sprintf("Tool '%s' result:\n%s", toolName, b.String())
}

// FormatToolError renders a failed call the same way an isError result
// is shown to the model.
func FormatToolError(toolName string, err error) string {
	return fmt.Sprintf("Tool '%s' error: %s", toolName, err.Error())
}

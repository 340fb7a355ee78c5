package mcp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skalene/mcpkit/mcp"
)

func TestFormatToolsForPrompt(t *testing.T) {
	tools := []mcp.McpTool{
		{
			Name:        "echo",
			Description: "echoes the message back",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"msg":  map[string]any{"type": "string"},
					"loud": map[string]any{"type": "boolean"},
				},
			},
		},
		{Name: "noop", Description: "does nothing"},
	}

	out := mcp.FormatToolsForPrompt(tools)
	assert.Contains(t, out, "## echo")
	assert.Contains(t, out, "echoes the message back")
	assert.Contains(t, out, `"msg"`)
	assert.Contains(t, out, `"loud"`)
	assert.Contains(t, out, "## noop")
	assert.Contains(t, out, "<tool_call>")

	assert.Empty(t, mcp.FormatToolsForPrompt(nil))
}

func TestFormatToolResult(t *testing.T) {
	res := mcp.TextResult("all good")
	assert.Equal(t, "Tool 'echo' result:\nall good", mcp.FormatToolResult("echo", res))

	res = &mcp.CallToolResult{
		Content: []mcp.ToolContent{{Type: "text", Text: "not found"}},
		IsError: true,
	}
	assert.Equal(t, "Tool 'echo' error: not found", mcp.FormatToolResult("echo", res))
}

func TestFormatToolResultNonText(t *testing.T) {
	res := &mcp.CallToolResult{Content: []mcp.ToolContent{
		{Type: "image", Data: "base64...", MimeType: "image/png"},
		{Type: "resource", Resource: &mcp.ResourceContent{URI: "file:///etc/hostname"}},
		{Type: "resource", Resource: &mcp.ResourceContent{URI: "file:///x", Text: "inline text"}},
	}}
	out := mcp.FormatToolResult("grab", res)
	assert.Contains(t, out, "[Image content]")
	assert.Contains(t, out, "[Resource: file:///etc/hostname]")
	assert.Contains(t, out, "inline text")
}

func TestFormatToolError(t *testing.T) {
	out := mcp.FormatToolError("echo", assert.AnError)
	assert.Contains(t, out, "Tool 'echo' error")
	assert.Contains(t, out, assert.AnError.Error())
}

package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileEvolverRejectsBadRequests(t *testing.T) {
	e := NewFileEvolver(nil, t.TempDir())
	ctx := context.Background()

	_, err := e.CreateServer(ctx, &CapabilityRequest{Name: "../escape", Language: "python", Code: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid capability name")

	_, err = e.CreateServer(ctx, &CapabilityRequest{Name: "ok", Language: "python", Code: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	_, err = e.CreateServer(ctx, &CapabilityRequest{Name: "ok", Language: "rust", Code: "fn main() {}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestMetaTools(t *testing.T) {
	tools := MetaTools()
	require.Len(t, tools, 2)
	assert.Equal(t, MetaToolAddCapability, tools[0].Name)
	assert.Equal(t, MetaToolInstallCapability, tools[1].Name)

	for _, tool := range tools {
		require.NotNil(t, tool.InputSchema, tool.Name)
		props, ok := tool.InputSchema["properties"].(map[string]any)
		require.True(t, ok, tool.Name)
		assert.Contains(t, props, "name")
		assert.Contains(t, props, "language")
		assert.Contains(t, props, "code")
	}
}

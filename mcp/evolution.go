package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/skalene/mcpkit/pkg/schema"
)

// Reserved meta-tool names. Calls to these are not routed to any
// server; they delegate to the capability evolver.
const (
	MetaToolAddCapability     = "evolve_add_capability"
	MetaToolInstallCapability = "evolve_install_capability"
)

// CapabilityRequest is the argument shape of both meta-tools.
type CapabilityRequest struct {
	Name     string `json:"name" jsonschema:"description=Short name for the new capability (e.g. 'weather-tools')"`
	Language string `json:"language" jsonschema:"enum=javascript,enum=python,description=Language the server is written in"`
	Code     string `json:"code" jsonschema:"description=Complete source code for a stdio tool server"`
}

// Evolver installs new tool servers from model-supplied source code.
type Evolver interface {
	CreateServer(ctx context.Context, req *CapabilityRequest) (string, error)
}

var capabilityNameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// FileEvolver writes submitted servers under the runtime's dynamic
// directory and hot-loads them through the manager.
type FileEvolver struct {
	mgr         *Manager
	runtimePath string
}

// NewFileEvolver creates the default evolver for a manager.
func NewFileEvolver(mgr *Manager, runtimePath string) *FileEvolver {
	return &FileEvolver{mgr: mgr, runtimePath: runtimePath}
}

// CreateServer validates the request, persists the source and starts
// the new server. It returns a conversational summary of the outcome.
func (e *FileEvolver) CreateServer(ctx context.Context, req *CapabilityRequest) (string, error) {
	if !capabilityNameRE.MatchString(req.Name) {
		return "", errors.Errorf("invalid capability name %q", req.Name)
	}
	if strings.TrimSpace(req.Code) == "" {
		return "", errors.New("capability code is empty")
	}

	var entrypoint, command string
	switch req.Language {
	case "javascript":
		entrypoint, command = "index.js", "node"
	case "python":
		entrypoint, command = "server.py", "python3"
	default:
		return "", errors.Errorf("unsupported language %q", req.Language)
	}

	dir := filepath.Join(DynamicServersDir(e.runtimePath), req.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create capability dir")
	}
	file := filepath.Join(dir, entrypoint)
	if err := os.WriteFile(file, []byte(req.Code), 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write capability source")
	}

	if err := e.mgr.AddDynamicServer(ctx, req.Name, command, []string{file}); err != nil {
		return "", errors.WithMessagef(err, "capability %q failed to start", req.Name)
	}

	var names []string
	for _, tool := range e.mgr.ServerTools(req.Name) {
		names = append(names, tool.Name)
	}
	return fmt.Sprintf("Capability '%s' installed with %d tools: %s",
		req.Name, len(names), strings.Join(names, ", ")), nil
}

// DynamicServersDir is where dynamically installed servers live.
func DynamicServersDir(runtimePath string) string {
	return filepath.Join(runtimePath, "mcp-servers", "dynamic")
}

// MetaTools returns the prompt-visible descriptions of the two
// evolution meta-tools; their input schema is reflected from
// CapabilityRequest.
func MetaTools() []McpTool {
	sc, err := schema.New(reflect.TypeOf(CapabilityRequest{}))
	var inputSchema map[string]any
	if err == nil {
		inputSchema = sc.ToMap()
	}

	return []McpTool{
		{
			Name: MetaToolAddCapability,
			Description: "Add a new capability by creating a new tool server. " +
				"The code MUST be a complete, runnable stdio tool server: " +
				"for JavaScript use '@modelcontextprotocol/sdk' with StdioServerTransport, " +
				"for Python use the 'mcp' package with a stdio transport.",
			InputSchema: inputSchema,
		},
		{
			Name:        MetaToolInstallCapability,
			Description: "Install a capability discovered on the shared registry.",
			InputSchema: inputSchema,
		},
	}
}

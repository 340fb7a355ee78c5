// Package mcp hosts external tool servers as subprocesses speaking
// JSON-RPC 2.0 over stdio, one message per line. Server owns a single
// subprocess session; Manager coordinates a fleet of servers with
// routing, caching, confirmation policy and health-driven restarts.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP revision sent in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// ClientName identifies this runtime to tool servers.
const (
	ClientName    = "mcpkit"
	ClientVersion = "0.9.0"
)

// RequestID correlates a response with its originating request.
// IDs are strictly increasing per server session.
type RequestID uint64

// Request is an outgoing JSON-RPC request or notification.
// Notifications carry no ID and expect no reply.
type Request struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      *RequestID `json:"id,omitempty"`
	Method  string     `json:"method"`
	Params  any        `json:"params,omitempty"`
}

// NewRequest builds a correlated request.
func NewRequest(id RequestID, method string, params any) *Request {
	return &Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

// NewNotification builds a fire-and-forget message.
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPC: "2.0", Method: method, Params: params}
}

// Response is an incoming JSON-RPC reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the protocol-level error object of a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ClientInfo names the client in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertised during initialize. Empty for now.
type ClientCapabilities struct{}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// ServerInfo is the identity a server reports on initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the reply to initialize.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// McpTool describes one capability a server exposes.
type McpTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsResult is the reply to tools/list.
type ListToolsResult struct {
	Tools []McpTool `json:"tools"`
}

// CallToolParams is the payload of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolContent is one element of a tool result, discriminated by Type
// ("text", "image" or "resource"). Unrecognized types are kept but
// rendered as placeholders.
type ToolContent struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// ResourceContent is an embedded resource in a tool result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// CallToolResult is the reply to tools/call.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult builds a plain-text result, used by tests and fakes.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalene/mcpkit/config"
)

// testSettings keeps timeouts short so failure paths resolve quickly.
func testSettings() config.Settings {
	return config.Settings{
		ToolTimeout:        config.Duration(2 * time.Second),
		InitTimeout:        config.Duration(2 * time.Second),
		MaxRestartAttempts: 3,
		RestartDelay:       config.Duration(10 * time.Millisecond),
	}.WithDefaults()
}

// runPeer wires a server to a scripted in-process peer over pipes.
// handler returning nil means no reply is sent for that request.
// Returns the peer's stdout writer so tests can sever the stream.
func runPeer(t *testing.T, s *Server, handler func(*Request) *Response) *io.PipeWriter {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	s.wire(nil, stdinW, stdoutR, strings.NewReader(""))

	var writeMu sync.Mutex
	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			go func(req Request) {
				resp := handler(&req)
				if resp == nil {
					return
				}
				bs, err := json.Marshal(resp)
				if err != nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_, _ = stdoutW.Write(append(bs, '\n'))
			}(req)
		}
	}()

	t.Cleanup(func() {
		_ = s.Stop()
		_ = stdoutW.Close()
	})
	return stdoutW
}

func respondWith(id RequestID, result any) *Response {
	bs, _ := json.Marshal(result)
	return &Response{JSONRPC: "2.0", ID: id, Result: bs}
}

// echoHandler implements a minimal tool server: initialize, tools/list
// and an echo tool that reflects the msg argument.
func echoHandler(req *Request) *Response {
	if req.ID == nil {
		return nil
	}
	switch req.Method {
	case "initialize":
		return respondWith(*req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "scripted", Version: "1.0.0"},
		})
	case "tools/list":
		return respondWith(*req.ID, ListToolsResult{Tools: []McpTool{
			{Name: "echo", Description: "echoes the message", InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"msg": map[string]any{"type": "string"}},
			}},
		}})
	case "tools/call":
		params, _ := req.Params.(map[string]any)
		args, _ := params["arguments"].(map[string]any)
		msg, _ := args["msg"].(string)
		return respondWith(*req.ID, TextResult("echo:"+msg))
	}
	return &Response{JSONRPC: "2.0", ID: *req.ID, Error: &RPCError{Code: -32601, Message: "method not found"}}
}

func TestServerHandshake(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "scripted", Command: "unused"}, testSettings())
	runPeer(t, s, echoHandler)

	err := s.handshake(context.Background())
	require.NoError(t, err)

	info := s.ServerInfo()
	require.NotNil(t, info)
	assert.Equal(t, "scripted", info.Name)

	tools := s.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestServerConcurrentCallsCorrelate(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "scripted", Command: "unused"}, testSettings())
	runPeer(t, s, func(req *Request) *Response {
		if req.ID == nil || req.Method != "tools/call" {
			return echoHandler(req)
		}
		params, _ := req.Params.(map[string]any)
		args, _ := params["arguments"].(map[string]any)
		msg, _ := args["msg"].(string)
		// replies land out of order
		if msg == "0" {
			time.Sleep(50 * time.Millisecond)
		}
		return respondWith(*req.ID, TextResult("echo:"+msg))
	})
	require.NoError(t, s.handshake(context.Background()))

	const n = 10
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.CallTool(context.Background(), "echo", map[string]any{"msg": fmt.Sprint(i)})
			if assert.NoError(t, err) {
				results[i] = res.Content[0].Text
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("echo:%d", i), results[i])
	}
}

func TestServerRequestTimeoutIsolated(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "scripted", Command: "unused"}, testSettings())
	runPeer(t, s, func(req *Request) *Response {
		if req.ID != nil && req.Method == "tools/call" {
			params, _ := req.Params.(map[string]any)
			if name, _ := params["name"].(string); name == "blackhole" {
				return nil
			}
		}
		return echoHandler(req)
	})
	require.NoError(t, s.handshake(context.Background()))

	_, err := s.CallToolWithTimeout(context.Background(), "blackhole", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestTimeout))

	// the timed-out request does not poison the session
	res, err := s.CallTool(context.Background(), "echo", map[string]any{"msg": "after"})
	require.NoError(t, err)
	assert.Equal(t, "echo:after", res.Content[0].Text)

	h := s.Health()
	assert.Equal(t, uint64(1), h.RequestsFailed)
	assert.NotEmpty(t, h.LastError)
}

func TestServerRPCErrorSurfaced(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "scripted", Command: "unused"}, testSettings())
	runPeer(t, s, func(req *Request) *Response {
		if req.ID != nil && req.Method == "tools/call" {
			return &Response{JSONRPC: "2.0", ID: *req.ID, Error: &RPCError{Code: -32000, Message: "kaboom"}}
		}
		return echoHandler(req)
	})
	require.NoError(t, s.handshake(context.Background()))

	_, err := s.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestServerStreamEndFailsInflight(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "scripted", Command: "unused"}, testSettings())
	var mu sync.Mutex
	silent := false
	stdoutW := runPeer(t, s, func(req *Request) *Response {
		mu.Lock()
		quiet := silent
		mu.Unlock()
		if quiet {
			return nil
		}
		return echoHandler(req)
	})
	require.NoError(t, s.handshake(context.Background()))
	s.setState(StateReady, "")

	mu.Lock()
	silent = true
	mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "echo", map[string]any{"msg": "x"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stdoutW.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProcessDied))
	case <-time.After(time.Second):
		t.Fatal("in-flight call not failed after stream end")
	}

	require.Eventually(t, func() bool {
		return s.State() == StateFailed
	}, time.Second, 10*time.Millisecond)
}

func TestServerCallBeforeStart(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "idle", Command: "unused"}, testSettings())
	_, err := s.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.Equal(t, StateStopped, s.State())
}

func TestServerStartRealProcessFailure(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "missing", Command: "/nonexistent/definitely-not-a-binary"}, testSettings())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.NotEmpty(t, s.StateReason())
}

func TestServerRestartBudget(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "missing", Command: "/nonexistent/definitely-not-a-binary"}, testSettings())
	s.restartAttempts.Store(int64(s.settings.MaxRestartAttempts))

	restarted, err := s.RestartIfNeeded(context.Background())
	assert.False(t, restarted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestartExhausted))
}

func TestServerHealthCheckNotReady(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "idle", Command: "unused"}, testSettings())
	assert.False(t, s.HealthCheck(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "restarting", StateRestarting.String())
}

func TestServerNilArgsBecomeEmptyObject(t *testing.T) {
	s := NewServer(config.ServerConfig{Name: "scripted", Command: "unused"}, testSettings())
	gotArgs := make(chan any, 1)
	runPeer(t, s, func(req *Request) *Response {
		if req.ID != nil && req.Method == "tools/call" {
			params, _ := req.Params.(map[string]any)
			gotArgs <- params["arguments"]
			return respondWith(*req.ID, TextResult("ok"))
		}
		return echoHandler(req)
	})
	require.NoError(t, s.handshake(context.Background()))

	_, err := s.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)

	args := <-gotArgs
	m, ok := args.(map[string]any)
	require.True(t, ok, "arguments must be a JSON object, not null")
	assert.Empty(t, m)
}

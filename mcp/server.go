package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/skalene/mcpkit/config"
)

var logger = xlog.NewPackageLogger("github.com/skalene/mcpkit", "mcp")

// State is the lifecycle state of a server. Exactly one value at any
// time, mutated only by the server's own lifecycle methods.
type State int

const (
	// StateStopped means the server has not been started or was stopped.
	StateStopped State = iota
	// StateStarting means the subprocess is spawning or handshaking.
	StateStarting
	// StateReady means the handshake completed and tools are loaded.
	StateReady
	// StateFailed means the server failed to start or crashed.
	StateFailed
	// StateRestarting means a failed health check triggered a restart.
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	default:
		return "stopped"
	}
}

// ServerHealth carries rolling request statistics for one server.
type ServerHealth struct {
	RequestsSuccess uint64
	RequestsFailed  uint64
	RestartCount    uint64
	LastSuccess     time.Time
	LastError       string
	AvgResponseMs   float64
}

// healthCheckTimeout bounds the liveness probe.
const healthCheckTimeout = 5 * time.Second

// requestQueueSize bounds the stdin queue; a full queue applies
// back-pressure to callers.
const requestQueueSize = 32

// rpcResult is what a pending request ultimately receives.
type rpcResult struct {
	resp *Response
	err  error
}

// queuedRequest travels from sendRequest to the stdin writer.
// respCh is nil for notifications.
type queuedRequest struct {
	req    *Request
	id     RequestID
	respCh chan rpcResult
}

// session is the per-incarnation wiring of a running subprocess. A
// restart replaces the whole session, so goroutines from a previous
// incarnation cannot disturb the new one.
type session struct {
	requestQ chan queuedRequest
	cmd      *exec.Cmd

	done      chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[RequestID]chan rpcResult
}

// close signals the stdin writer to exit and unblocks enqueuers.
func (ss *session) close() {
	ss.closeOnce.Do(func() {
		close(ss.done)
	})
}

func (ss *session) addPending(id RequestID, ch chan rpcResult) {
	ss.pendingMu.Lock()
	ss.pending[id] = ch
	ss.pendingMu.Unlock()
}

func (ss *session) takePending(id RequestID) (chan rpcResult, bool) {
	ss.pendingMu.Lock()
	defer ss.pendingMu.Unlock()
	ch, ok := ss.pending[id]
	if ok {
		delete(ss.pending, id)
	}
	return ch, ok
}

// failAllPending resolves every in-flight request with err.
func (ss *session) failAllPending(err error) {
	ss.pendingMu.Lock()
	defer ss.pendingMu.Unlock()
	for id, ch := range ss.pending {
		ch <- rpcResult{err: err}
		delete(ss.pending, id)
	}
}

// Server owns one tool-server subprocess and its stdio JSON-RPC
// session. All public methods are safe for concurrent use; state,
// tools, health and the pending map are guarded by independent locks
// so one concern never blocks another.
type Server struct {
	cfg      config.ServerConfig
	settings config.Settings

	mu         sync.Mutex // guards sess across start/stop
	sess       *session
	generation atomic.Uint64 // incarnation counter

	stateMu     sync.RWMutex
	state       State
	stateReason string

	toolsMu    sync.RWMutex
	tools      []McpTool
	serverInfo *ServerInfo

	healthMu sync.Mutex
	health   ServerHealth

	nextID          atomic.Uint64
	restartAttempts atomic.Int64
}

// NewServer creates a server instance; the subprocess is not spawned
// until Start.
func NewServer(cfg config.ServerConfig, settings config.Settings) *Server {
	return &Server{
		cfg:      cfg,
		settings: settings.WithDefaults(),
		state:    StateStopped,
	}
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// StateReason returns the failure reason when the state is failed.
func (s *Server) StateReason() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.stateReason
}

func (s *Server) setState(state State, reason string) {
	s.stateMu.Lock()
	s.state = state
	s.stateReason = reason
	s.stateMu.Unlock()
}

// Health returns a copy of the rolling health counters.
func (s *Server) Health() ServerHealth {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

// Tools returns the cached tool list from the last tools/list.
func (s *Server) Tools() []McpTool {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()
	return slices.Clone(s.tools)
}

// ServerInfo returns the identity reported during initialize, if any.
func (s *Server) ServerInfo() *ServerInfo {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()
	return s.serverInfo
}

// RequiresConfirmation reports whether the tool is on the server's
// static confirmation list.
func (s *Server) RequiresConfirmation(toolName string) bool {
	return slices.Contains(s.cfg.RequiresConfirmation, toolName)
}

func (s *Server) setLastError(msg string) {
	s.healthMu.Lock()
	s.health.LastError = msg
	s.healthMu.Unlock()
}

// Start spawns the subprocess, wires the stdio loops and performs the
// initialize handshake. On return the server is either Ready or
// Failed, never left Starting.
func (s *Server) Start(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}
	s.setState(StateStarting, "")
	logger.KV(xlog.INFO, "server", s.cfg.Name, "command", s.cfg.Command, "args", strings.Join(s.cfg.Args, " "))

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failStart(errors.Wrap(err, "failed to open stdin"))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failStart(errors.Wrap(err, "failed to open stdout"))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failStart(errors.Wrap(err, "failed to open stderr"))
	}

	if err := cmd.Start(); err != nil {
		return s.failStart(errors.Wrapf(err, "failed to spawn %q", s.cfg.Command))
	}

	sess := s.wire(cmd, stdin, stdout, stderr)

	if err := s.handshake(ctx); err != nil {
		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
		}
		s.mu.Unlock()
		s.teardown(sess)
		return s.failStart(err)
	}

	s.setState(StateReady, "")
	s.restartAttempts.Store(0)
	logger.KV(xlog.INFO, "server", s.cfg.Name, "status", "ready", "tools", len(s.Tools()))
	return nil
}

func (s *Server) failStart(err error) error {
	s.setState(StateFailed, err.Error())
	s.setLastError(err.Error())
	return err
}

// wire installs a new session over the given pipes and launches the
// three I/O goroutines. Factored off exec so tests can drive a
// scripted peer over io.Pipe.
func (s *Server) wire(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.Reader) *session {
	sess := &session{
		requestQ: make(chan queuedRequest, requestQueueSize),
		cmd:      cmd,
		done:     make(chan struct{}),
		pending:  make(map[RequestID]chan rpcResult),
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	gen := s.generation.Add(1)

	go s.readStdout(sess, gen, stdout)
	go s.readStderr(stderr)
	go s.writeStdin(sess, stdin)
	return sess
}

// handshake runs initialize, sends the initialized notification and
// loads the tool list.
func (s *Server) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: ClientName, Version: ClientVersion},
	}
	resp, err := s.sendRequest(ctx, "initialize", params, s.settings.InitTimeout.TimeDuration())
	if err != nil {
		return errors.WithMessage(err, "initialize failed")
	}
	if resp.Error != nil {
		return errors.WithMessage(resp.Error, "initialize failed")
	}
	if len(resp.Result) > 0 {
		var res InitializeResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return errors.Wrap(err, "invalid initialize result")
		}
		s.toolsMu.Lock()
		s.serverInfo = &res.ServerInfo
		s.toolsMu.Unlock()
	}

	if err := s.notify("notifications/initialized", nil); err != nil {
		return err
	}

	return s.RefreshTools(ctx)
}

func (s *Server) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// notify enqueues a fire-and-forget notification.
func (s *Server) notify(method string, params any) error {
	sess := s.currentSession()
	if sess == nil {
		return errors.WithStack(ErrNotStarted)
	}
	select {
	case sess.requestQ <- queuedRequest{req: NewNotification(method, params)}:
		return nil
	case <-sess.done:
		return errors.WithStack(ErrProcessDied)
	}
}

// sendRequest allocates an id and a private response channel, enqueues
// the request and awaits the reply or the timeout. Every request is
// correlated independently: concurrent calls never cross-talk and a
// timed-out request does not block others.
func (s *Server) sendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	sess := s.currentSession()
	if sess == nil {
		return nil, errors.WithStack(ErrNotStarted)
	}

	id := RequestID(s.nextID.Add(1))
	item := queuedRequest{
		req:    NewRequest(id, method, params),
		id:     id,
		respCh: make(chan rpcResult, 1),
	}

	started := time.Now()

	// back-pressure: a full queue suspends the caller
	select {
	case sess.requestQ <- item:
	case <-sess.done:
		return nil, errors.WithStack(ErrProcessDied)
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "enqueue %s", method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res rpcResult
	select {
	case res = <-item.respCh:
	case <-timer.C:
		sess.takePending(id)
		res = rpcResult{err: errors.Wrapf(ErrRequestTimeout, "%s after %s", method, timeout)}
	case <-ctx.Done():
		sess.takePending(id)
		res = rpcResult{err: errors.Wrapf(ctx.Err(), "awaiting %s", method)}
	}

	s.recordOutcome(time.Since(started), res.err)
	return res.resp, res.err
}

func (s *Server) recordOutcome(elapsed time.Duration, err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if err != nil {
		s.health.RequestsFailed++
		s.health.LastError = err.Error()
		return
	}
	s.health.RequestsSuccess++
	s.health.LastSuccess = time.Now()
	total := float64(s.health.RequestsSuccess + s.health.RequestsFailed)
	s.health.AvgResponseMs = (s.health.AvgResponseMs*(total-1) + float64(elapsed.Milliseconds())) / total
}

// readStdout parses newline-delimited responses and resolves the
// matching pending request. On end-of-stream while Ready it marks the
// server failed and fails all in-flight requests.
func (s *Server) readStdout(sess *session, gen uint64, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.KV(xlog.WARNING, "server", s.cfg.Name, "reason", "unparsable_response", "err", err.Error(), "line", string(line))
			continue
		}
		if ch, ok := sess.takePending(resp.ID); ok {
			ch <- rpcResult{resp: &resp}
		}
	}

	logger.KV(xlog.DEBUG, "server", s.cfg.Name, "status", "stdout_reader_exited")
	sess.failAllPending(errors.WithStack(ErrProcessDied))

	// only the current incarnation may fail the server
	if s.generation.Load() == gen && s.State() == StateReady {
		s.setState(StateFailed, ErrProcessDied.Error())
		s.setLastError(ErrProcessDied.Error())
	}
}

// readStderr logs lines and keeps the last error-looking line for
// health reporting.
func (s *Server) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		logger.KV(xlog.DEBUG, "server", s.cfg.Name, "stderr", line)
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "exception") {
			s.setLastError(line)
		}
	}
}

// writeStdin drains the request queue, one JSON line per message. A
// write failure fails only the affected request, not the server.
func (s *Server) writeStdin(sess *session, stdin io.WriteCloser) {
	defer func() {
		_ = stdin.Close()
	}()

	w := bufio.NewWriter(stdin)
	for {
		var item queuedRequest
		select {
		case <-sess.done:
			logger.KV(xlog.DEBUG, "server", s.cfg.Name, "status", "stdin_writer_exited")
			return
		case item = <-sess.requestQ:
		}

		bs, err := json.Marshal(item.req)
		if err != nil {
			if item.respCh != nil {
				item.respCh <- rpcResult{err: errors.Wrap(err, "failed to serialize request")}
			}
			continue
		}

		if item.respCh != nil {
			sess.addPending(item.id, item.respCh)
		}

		bs = append(bs, '\n')
		if _, err := w.Write(bs); err == nil {
			err = w.Flush()
		} else {
			_ = w.Flush()
		}
		if err != nil {
			logger.KV(xlog.ERROR, "server", s.cfg.Name, "reason", "write_failed", "err", err.Error())
			if ch, ok := sess.takePending(item.id); ok {
				ch <- rpcResult{err: errors.Wrap(err, "failed to write request")}
			}
		}
	}
}

// RefreshTools reloads the tool list via tools/list.
func (s *Server) RefreshTools(ctx context.Context) error {
	resp, err := s.sendRequest(ctx, "tools/list", nil, s.settings.ToolTimeout.TimeDuration())
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.WithMessage(resp.Error, "tools/list failed")
	}

	var res ListToolsResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return errors.Wrap(err, "invalid tools/list result")
		}
	}
	s.toolsMu.Lock()
	s.tools = res.Tools
	s.toolsMu.Unlock()
	return nil
}

// CallTool invokes a tool with the configured timeout.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	return s.CallToolWithTimeout(ctx, name, args, s.settings.ToolTimeout.TimeDuration())
}

// CallToolWithTimeout invokes a tool with an explicit timeout. An
// explicit JSON-RPC error in the reply is surfaced as an error.
func (s *Server) CallToolWithTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	resp, err := s.sendRequest(ctx, "tools/call", CallToolParams{Name: name, Arguments: args}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.WithMessagef(resp.Error, "tool %q failed", name)
	}
	if len(resp.Result) == 0 {
		return nil, errors.Errorf("empty result from tool %q", name)
	}
	var res CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, errors.Wrapf(err, "invalid result from tool %q", name)
	}
	return &res, nil
}

// HealthCheck probes liveness with a short tools/list. It returns
// false on any error, timeout or non-Ready state.
func (s *Server) HealthCheck(ctx context.Context) bool {
	if s.State() != StateReady {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	resp, err := s.sendRequest(cctx, "tools/list", nil, healthCheckTimeout)
	if err != nil {
		logger.KV(xlog.WARNING, "server", s.cfg.Name, "reason", "health_check_failed", "err", err.Error())
		return false
	}
	if resp.Error != nil {
		logger.KV(xlog.WARNING, "server", s.cfg.Name, "reason", "health_check_failed", "err", resp.Error.Error())
		return false
	}

	var res ListToolsResult
	if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &res) == nil {
		s.toolsMu.Lock()
		s.tools = res.Tools
		s.toolsMu.Unlock()
	}
	return true
}

// RestartIfNeeded restarts an unhealthy server, bounded by the
// configured attempt budget. It returns true when a restart happened.
// Once the budget is spent the server stays failed; no further
// automatic restarts occur.
func (s *Server) RestartIfNeeded(ctx context.Context) (bool, error) {
	if s.HealthCheck(ctx) {
		return false, nil
	}

	attempts := s.restartAttempts.Load()
	maxAttempts := int64(s.settings.MaxRestartAttempts)
	if attempts >= maxAttempts {
		logger.KV(xlog.WARNING, "server", s.cfg.Name, "reason", "restart_budget_spent", "attempts", attempts)
		return false, errors.WithStack(ErrRestartExhausted)
	}

	logger.KV(xlog.INFO, "server", s.cfg.Name, "status", "restarting", "attempt", attempts+1, "max", maxAttempts)
	s.setState(StateRestarting, "")
	s.restartAttempts.Add(1)
	s.healthMu.Lock()
	s.health.RestartCount++
	s.healthMu.Unlock()

	if err := s.Stop(); err != nil {
		return false, err
	}

	select {
	case <-time.After(s.settings.RestartDelay.TimeDuration()):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	if err := s.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Stop closes the request queue, kills the subprocess and resets the
// state to stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		s.teardown(sess)
	}
	s.setState(StateStopped, "")
	return nil
}

func (s *Server) teardown(sess *session) {
	sess.close()
	sess.failAllPending(errors.WithStack(ErrProcessDied))
	if sess.cmd != nil && sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
		go func() {
			_ = sess.cmd.Wait()
		}()
	}
}

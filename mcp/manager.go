package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/fsnotify/fsnotify"
	"github.com/skalene/mcpkit/config"
	"github.com/skalene/mcpkit/events"
	"github.com/skalene/mcpkit/toolcall"
)

// toolServer is what the manager needs from a managed server. *Server
// is the production implementation; tests substitute fakes.
type toolServer interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	State() State
	StateReason() string
	Tools() []McpTool
	RefreshTools(ctx context.Context) error
	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
	HealthCheck(ctx context.Context) bool
	RestartIfNeeded(ctx context.Context) (bool, error)
	RequiresConfirmation(toolName string) bool
	Health() ServerHealth
}

// ServerStatus is a point-in-time snapshot of one managed server.
type ServerStatus struct {
	State     string       `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	ToolCount int          `json:"tool_count"`
	Health    ServerHealth `json:"health"`
}

// ToolCallOutcome is one entry of a parallel batch, in call order.
type ToolCallOutcome struct {
	ToolName string
	Text     string
	Err      error
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache overrides the default in-memory result cache.
func WithCache(cache ResultCache) Option {
	return func(m *Manager) {
		m.cache = cache
	}
}

// WithBus sets the event bus tool and lifecycle events are published
// to.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// Manager routes tool calls across the managed servers and owns the
// result cache, the audit log, the confirmation ledger and the health
// loop. One instance per runtime.
type Manager struct {
	cfg         *config.Config
	runtimePath string

	// newServer is the server factory; tests swap it for fakes.
	newServer func(config.ServerConfig, config.Settings) toolServer

	mu      sync.RWMutex
	servers map[string]toolServer
	order   []string

	cache ResultCache
	audit *auditLog
	bus   *events.Bus

	confirmMu     sync.Mutex
	confirmations map[string]PendingConfirmation

	evolver Evolver

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager for the given configuration. Servers
// are not started until StartServers.
func NewManager(cfg *config.Config, runtimePath string, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		runtimePath:   runtimePath,
		servers:       make(map[string]toolServer),
		cache:         NewMemoryCache(),
		audit:         newAuditLog(defaultMaxAuditEntries),
		bus:           events.NewBus(),
		confirmations: make(map[string]PendingConfirmation),
		stopCh:        make(chan struct{}),
	}
	m.newServer = func(sc config.ServerConfig, st config.Settings) toolServer {
		return NewServer(sc, st)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.evolver = NewFileEvolver(m, runtimePath)
	return m
}

// SetEvolver replaces the capability evolver the meta-tools delegate
// to.
func (m *Manager) SetEvolver(e Evolver) {
	m.evolver = e
}

// Bus returns the event bus for subscribers.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// StartServers launches every configured server plus any previously
// installed dynamic servers, then begins watching the dynamic
// directory and running the periodic health loop. A server that fails
// to start is logged and skipped; the rest still come up.
func (m *Manager) StartServers(ctx context.Context) error {
	if !m.cfg.Enabled {
		logger.KV(xlog.INFO, "status", "tools_disabled")
		return nil
	}

	for _, sc := range m.cfg.Servers {
		sc.Command = m.resolveCommand(sc.Command)
		sc.Args = m.resolveArgs(sc.Args)
		srv := m.newServer(sc, m.cfg.Settings)
		m.register(sc.Name, srv)
		if err := srv.Start(ctx); err != nil {
			logger.KV(xlog.ERROR, "server", sc.Name, "reason", "start_failed", "err", err.Error())
		}
	}

	m.loadDynamicServers(ctx)
	m.watchDynamicDir()

	if m.cfg.Settings.HealthCheckEnabled == nil || *m.cfg.Settings.HealthCheckEnabled {
		m.wg.Add(1)
		go m.healthLoop(m.cfg.Settings.HealthCheckInterval.TimeDuration())
	}
	return nil
}

// register installs a server under name, stopping any previous holder
// of that name. Startup order is preserved for routing.
func (m *Manager) register(name string, srv toolServer) {
	m.mu.Lock()
	prev, existed := m.servers[name]
	m.servers[name] = srv
	if !existed {
		m.order = append(m.order, name)
	}
	m.mu.Unlock()

	if existed && prev != nil {
		_ = prev.Stop()
	}
}

func (m *Manager) server(name string) (toolServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[name]
	return srv, ok
}

// snapshot returns the servers in registration order.
func (m *Manager) snapshot() []toolServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]toolServer, 0, len(m.order))
	for _, name := range m.order {
		res = append(res, m.servers[name])
	}
	return res
}

// resolveCommand maps a relative command path onto the runtime
// directory when the file exists there. Bare executable names are
// left to PATH lookup.
func (m *Manager) resolveCommand(command string) string {
	if m.runtimePath == "" || filepath.IsAbs(command) || !strings.Contains(command, string(filepath.Separator)) {
		return command
	}
	resolved := filepath.Join(m.runtimePath, command)
	if _, err := os.Stat(resolved); err == nil {
		return resolved
	}
	return command
}

func (m *Manager) resolveArgs(args []string) []string {
	if m.runtimePath == "" {
		return args
	}
	res := make([]string, len(args))
	for i, arg := range args {
		res[i] = arg
		if filepath.IsAbs(arg) || !strings.Contains(arg, string(filepath.Separator)) {
			continue
		}
		resolved := filepath.Join(m.runtimePath, arg)
		if _, err := os.Stat(resolved); err == nil {
			res[i] = resolved
		}
	}
	return res
}

// loadDynamicServers scans the dynamic directory for previously
// installed capabilities and starts them.
func (m *Manager) loadDynamicServers(ctx context.Context) {
	dir := DynamicServersDir(m.runtimePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := m.loadDynamicEntry(ctx, entry.Name()); err != nil {
			logger.KV(xlog.WARNING, "server", entry.Name(), "reason", "dynamic_load_failed", "err", err.Error())
		}
	}
}

// loadDynamicEntry starts one dynamic server directory by its
// conventional entrypoint.
func (m *Manager) loadDynamicEntry(ctx context.Context, name string) error {
	if _, ok := m.server(name); ok {
		return nil
	}
	dir := filepath.Join(DynamicServersDir(m.runtimePath), name)

	var command, entrypoint string
	if _, err := os.Stat(filepath.Join(dir, "index.js")); err == nil {
		command, entrypoint = "node", "index.js"
	} else if _, err := os.Stat(filepath.Join(dir, "server.py")); err == nil {
		command, entrypoint = "python3", "server.py"
	} else {
		return errors.Errorf("no entrypoint in %s", dir)
	}
	return m.AddDynamicServer(ctx, name, command, []string{filepath.Join(dir, entrypoint)})
}

// AddDynamicServer registers and starts a server outside the static
// configuration, typically installed by the evolution meta-tools.
func (m *Manager) AddDynamicServer(ctx context.Context, name, command string, args []string) error {
	sc := config.ServerConfig{
		Name:    name,
		Command: command,
		Args:    args,
	}
	srv := m.newServer(sc, m.cfg.Settings)
	m.register(name, srv)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.KV(xlog.INFO, "server", name, "status", "dynamic_server_started", "tools", len(srv.Tools()))
	return nil
}

// watchDynamicDir hot-loads server directories dropped into the
// dynamic directory by external writers.
func (m *Manager) watchDynamicDir() {
	dir := DynamicServersDir(m.runtimePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.KV(xlog.WARNING, "reason", "dynamic_dir_unavailable", "err", err.Error())
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "watcher_unavailable", "err", err.Error())
		return
	}
	if err := watcher.Add(dir); err != nil {
		logger.KV(xlog.WARNING, "reason", "watch_failed", "dir", dir, "err", err.Error())
		_ = watcher.Close()
		return
	}
	m.watcher = watcher

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) {
					continue
				}
				info, err := os.Stat(event.Name)
				if err != nil || !info.IsDir() {
					continue
				}
				name := filepath.Base(event.Name)
				// give the writer a moment to finish the entrypoint
				time.Sleep(time.Second)
				if err := m.loadDynamicEntry(context.Background(), name); err != nil {
					logger.KV(xlog.WARNING, "server", name, "reason", "dynamic_load_failed", "err", err.Error())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.KV(xlog.WARNING, "reason", "watcher_error", "err", err.Error())
			}
		}
	}()
}

// healthLoop periodically probes every server and restarts the
// unhealthy ones within their attempt budget.
func (m *Manager) healthLoop(interval time.Duration) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = config.DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		for _, srv := range m.snapshot() {
			state := srv.State()
			if state == StateStopped || state == StateRestarting {
				continue
			}
			restarted, err := srv.RestartIfNeeded(context.Background())
			if restarted {
				m.bus.Publish(events.ServerRestarted{Name: srv.Name()})
			} else if err != nil {
				m.bus.Publish(events.ServerFailed{Name: srv.Name(), Reason: err.Error()})
			}
		}
	}
}

// AllTools returns the evolution meta-tools plus every tool of every
// ready server. A tool name exposed by two servers is reported once;
// the first server in startup order wins.
func (m *Manager) AllTools() []McpTool {
	tools := MetaTools()
	seen := make(map[string]string, len(tools))
	for _, t := range tools {
		seen[t.Name] = "builtin"
	}

	for _, srv := range m.snapshot() {
		if srv.State() != StateReady {
			continue
		}
		for _, tool := range srv.Tools() {
			if owner, dup := seen[tool.Name]; dup {
				logger.KV(xlog.WARNING, "tool", tool.Name, "server", srv.Name(), "reason", "shadowed_by", "owner", owner)
				continue
			}
			seen[tool.Name] = srv.Name()
			tools = append(tools, tool)
		}
	}
	return tools
}

// findToolServer locates the first ready server exposing the tool.
func (m *Manager) findToolServer(toolName string) (toolServer, bool) {
	for _, srv := range m.snapshot() {
		if srv.State() != StateReady {
			continue
		}
		for _, tool := range srv.Tools() {
			if tool.Name == toolName {
				return srv, true
			}
		}
	}
	return nil, false
}

// CallTool routes a call to the owning server. Every call, successful
// or not, is audit-logged and published on the event bus.
func (m *Manager) CallTool(ctx context.Context, toolName string, args map[string]any) (*CallToolResult, error) {
	started := time.Now()

	srv, ok := m.findToolServer(toolName)
	if !ok {
		err := errors.Wrapf(ErrToolNotFound, "%s", toolName)
		m.recordCall(toolName, "", args, started, err)
		return nil, err
	}

	res, err := srv.CallTool(ctx, toolName, args)
	m.recordCall(toolName, srv.Name(), args, started, err)
	return res, err
}

func (m *Manager) recordCall(toolName, serverName string, args map[string]any, started time.Time, err error) {
	elapsed := time.Since(started).Milliseconds()
	entry := ToolAuditEntry{
		Timestamp:      started,
		ToolName:       toolName,
		Arguments:      args,
		Success:        err == nil,
		ResponseTimeMs: elapsed,
		ServerName:     serverName,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	m.audit.record(entry)

	m.bus.Publish(events.ToolCalled{
		ToolName:       toolName,
		ServerName:     serverName,
		Success:        err == nil,
		ResponseTimeMs: elapsed,
	})
}

// CallToolCached returns the memoized formatted result when a call
// with identical arguments succeeded within the TTL, otherwise
// executes the call and caches the formatted text. Failures are never
// cached.
func (m *Manager) CallToolCached(ctx context.Context, toolName string, args map[string]any, ttl time.Duration) (string, error) {
	key := CacheKey(toolName, args)
	if text, ok := m.cache.Get(ctx, key); ok {
		logger.ContextKV(ctx, xlog.DEBUG, "tool", toolName, "status", "cache_hit")
		return text, nil
	}

	res, err := m.CallTool(ctx, toolName, args)
	if err != nil {
		return "", err
	}
	text := FormatToolResult(toolName, res)
	if !res.IsError {
		m.cache.Set(ctx, key, text, ttl)
	}
	return text, nil
}

// CallToolsParallel executes the batch concurrently and returns the
// outcomes in the order of the input. One failed call never affects
// the others.
func (m *Manager) CallToolsParallel(ctx context.Context, calls []toolcall.ToolCall) []ToolCallOutcome {
	outcomes := make([]ToolCallOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call toolcall.ToolCall) {
			defer wg.Done()
			text, err := m.executeCall(ctx, call)
			outcomes[i] = ToolCallOutcome{ToolName: call.Name, Text: text, Err: err}
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

// RequiresConfirmation reports whether a call must be approved by the
// user first. The evolution meta-tools install executable code and
// always require it; a tool no ready server claims is treated as
// requiring confirmation rather than silently allowed.
func (m *Manager) RequiresConfirmation(toolName string) bool {
	if toolName == MetaToolAddCapability || toolName == MetaToolInstallCapability {
		return true
	}
	srv, ok := m.findToolServer(toolName)
	if !ok {
		return true
	}
	return srv.RequiresConfirmation(toolName)
}

// CreatePendingConfirmation parks a call awaiting user approval and
// returns the ticket to show the user. Expired tickets are pruned on
// each insertion.
func (m *Manager) CreatePendingConfirmation(toolName string, args map[string]any) PendingConfirmation {
	pending := newPendingConfirmation(toolName, args)

	m.confirmMu.Lock()
	now := time.Now()
	for id, p := range m.confirmations {
		if now.After(p.ExpiresAt) {
			delete(m.confirmations, id)
		}
	}
	m.confirmations[pending.ID] = pending
	m.confirmMu.Unlock()

	logger.KV(xlog.INFO, "tool", toolName, "confirmation", pending.ID, "risk", pending.Risk.String())
	return pending
}

// TakePendingConfirmation removes and returns the ticket. It is
// single-use: a second take of the same id fails, and an expired
// ticket is returned as an error.
func (m *Manager) TakePendingConfirmation(id string) (PendingConfirmation, error) {
	m.confirmMu.Lock()
	pending, ok := m.confirmations[id]
	if ok {
		delete(m.confirmations, id)
	}
	m.confirmMu.Unlock()

	if !ok {
		return PendingConfirmation{}, errors.WithStack(ErrConfirmationNotFound)
	}
	if time.Now().After(pending.ExpiresAt) {
		return PendingConfirmation{}, errors.WithStack(ErrConfirmationExpired)
	}
	return pending, nil
}

// executeCall dispatches to the evolver for meta-tools, otherwise to
// the owning server.
func (m *Manager) executeCall(ctx context.Context, call toolcall.ToolCall) (string, error) {
	switch call.Name {
	case MetaToolAddCapability, MetaToolInstallCapability:
		if m.evolver == nil {
			return "", errors.New("capability evolution is not available")
		}
		var req CapabilityRequest
		bs, err := json.Marshal(call.Arguments)
		if err == nil {
			err = json.Unmarshal(bs, &req)
		}
		if err != nil {
			return "", errors.Wrap(err, "invalid capability request")
		}
		return m.evolver.CreateServer(ctx, &req)
	default:
		res, err := m.CallTool(ctx, call.Name, call.Arguments)
		if err != nil {
			return "", err
		}
		return FormatToolResult(call.Name, res), nil
	}
}

// ProcessToolCall executes one parsed call and always returns
// conversational text, folding errors into the tool-error rendering so
// the model can react to them.
func (m *Manager) ProcessToolCall(ctx context.Context, call toolcall.ToolCall) string {
	text, err := m.executeCall(ctx, call)
	if err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "tool", call.Name, "reason", "call_failed", "err", err.Error())
		return FormatToolError(call.Name, err)
	}
	return text
}

// ProcessToolCallsWithConfirmation executes the calls that need no
// approval and parks the rest. The returned texts line up with the
// input; parked calls render as a confirmation prompt.
func (m *Manager) ProcessToolCallsWithConfirmation(ctx context.Context, calls []toolcall.ToolCall) ([]string, []PendingConfirmation) {
	texts := make([]string, len(calls))
	var parked []PendingConfirmation

	for i, call := range calls {
		if m.RequiresConfirmation(call.Name) {
			pending := m.CreatePendingConfirmation(call.Name, call.Arguments)
			parked = append(parked, pending)
			texts[i] = fmt.Sprintf("Tool '%s' requires confirmation (%s risk): %s",
				call.Name, pending.Risk.String(), pending.Description)
			continue
		}
		texts[i] = m.ProcessToolCall(ctx, call)
	}
	return texts, parked
}

// ExecuteConfirmed runs a previously approved call by its ticket id.
func (m *Manager) ExecuteConfirmed(ctx context.Context, id string) (string, error) {
	pending, err := m.TakePendingConfirmation(id)
	if err != nil {
		return "", err
	}
	return m.executeCall(ctx, toolcall.ToolCall{Name: pending.ToolName, Arguments: pending.Arguments})
}

// AuditLog returns up to limit recent call records, newest first.
func (m *Manager) AuditLog(limit int) []ToolAuditEntry {
	return m.audit.recent(limit)
}

// ClearCache drops all memoized results.
func (m *Manager) ClearCache(ctx context.Context) {
	m.cache.Clear(ctx)
}

// Status snapshots every managed server.
func (m *Manager) Status() map[string]ServerStatus {
	res := make(map[string]ServerStatus)
	for _, srv := range m.snapshot() {
		res[srv.Name()] = ServerStatus{
			State:     srv.State().String(),
			Reason:    srv.StateReason(),
			ToolCount: len(srv.Tools()),
			Health:    srv.Health(),
		}
	}
	return res
}

// HealthStats returns the rolling request counters per server.
func (m *Manager) HealthStats() map[string]ServerHealth {
	res := make(map[string]ServerHealth)
	for _, srv := range m.snapshot() {
		res[srv.Name()] = srv.Health()
	}
	return res
}

// Active reports whether at least one server is ready to take calls.
func (m *Manager) Active() bool {
	for _, srv := range m.snapshot() {
		if srv.State() == StateReady {
			return true
		}
	}
	return false
}

// ServerTools returns the tool list of one server by name.
func (m *Manager) ServerTools(name string) []McpTool {
	if srv, ok := m.server(name); ok {
		return srv.Tools()
	}
	return nil
}

// Close stops the health loop, the directory watcher and every
// managed server. Safe to call more than once.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()

	for _, srv := range m.snapshot() {
		if err := srv.Stop(); err != nil {
			logger.KV(xlog.WARNING, "server", srv.Name(), "reason", "stop_failed", "err", err.Error())
		}
	}
	m.bus.Close()
	return nil
}

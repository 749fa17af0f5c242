package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

const (
	// DefaultHealthInterval is the cadence of the protocol ping sweep.
	DefaultHealthInterval = 30 * time.Second

	// Reconnect backoff: 30s, 60s, 120s, 240s, then 480s forever.
	reconnectBase = 30 * time.Second
	reconnectCap  = 8 * time.Minute
)

// Manager errors.
var (
	ErrServerNotFound  = errors.New("mcp server not configured")
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolNotApproved = errors.New("tool execution was not approved")
	ErrServerDisabled  = errors.New("mcp server is disabled")
	// ErrRetryTool tells the caller the tool's connection dropped
	// mid-call and a reconnect is underway; the chat turn may retry.
	ErrRetryTool = errors.New("tool connection lost, reconnecting; retry")
)

// ReconnectDelay computes the scheduled wait before reconnect attempt
// n (0-based): min(30s × 2^n, 8min).
func ReconnectDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= reconnectCap {
			return reconnectCap
		}
	}
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

// ProtocolClient is the four-method contract the manager depends on.
// *Client implements it; tests substitute fakes.
type ProtocolClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]models.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// ToolApprovalPolicy decides whether a tool outside the auto-approve
// set may run. The default grants everything; this is an extension
// point for an operator confirmation channel, not a security boundary.
type ToolApprovalPolicy interface {
	Approve(ctx context.Context, deviceID, serverName, toolName string, args map[string]any) bool
}

type allowAllPolicy struct{}

func (allowAllPolicy) Approve(context.Context, string, string, string, map[string]any) bool {
	return true
}

// connection is the transient runtime state of one configured server.
// It survives health-check failures as disconnected-but-retrying; only
// an explicit stop or shutdown destroys it.
type connection struct {
	deviceID   string
	serverName string

	client    ProtocolClient
	connected bool
	tools     []models.Tool

	// staleTools is the last good tool list, advertised in the prompt
	// preamble while the connection is down.
	staleTools []models.Tool

	reconnectAttempts int
	reconnectTimer    clockwork.Timer
}

// Manager owns per-device MCP server configs and their connections.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]*models.MCPServerConfig // deviceID-serverName → config
	conns    map[string]*connection             // deviceID-serverName → runtime state
	usage    map[string]uint64                  // deviceID|server|tool → count
	sessions map[string][]*models.MCPSession    // deviceID → sessions

	approval  ToolApprovalPolicy
	clock     clockwork.Clock
	interval  time.Duration
	logs      *LogBuffer
	newClient func(models.MCPServerConfig) ProtocolClient

	stopOnce sync.Once
	stopCh   chan struct{}

	// OnReconnect fires after a successful reconnect (ServerReconnected).
	OnReconnect func(deviceID, serverName string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithApprovalPolicy replaces the always-grant approval hook.
func WithApprovalPolicy(p ToolApprovalPolicy) Option {
	return func(m *Manager) { m.approval = p }
}

// WithHealthInterval overrides the ping sweep cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithClientFactory substitutes the protocol client constructor.
func WithClientFactory(f func(models.MCPServerConfig) ProtocolClient) Option {
	return func(m *Manager) { m.newClient = f }
}

// NewManager creates an MCP tool-server manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		configs:  make(map[string]*models.MCPServerConfig),
		conns:    make(map[string]*connection),
		usage:    make(map[string]uint64),
		sessions: make(map[string][]*models.MCPSession),
		approval: allowAllPolicy{},
		clock:    clockwork.NewRealClock(),
		interval: DefaultHealthInterval,
		logs:     NewLogBuffer(200),
		stopCh:   make(chan struct{}),
	}
	m.newClient = func(cfg models.MCPServerConfig) ProtocolClient { return NewClient(cfg) }
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func key(deviceID, serverName string) string {
	return deviceID + "-" + serverName
}

// ── Lifecycle ────────────────────────────────────────────────

// Start launches the background health loop.
func (m *Manager) Start(ctx context.Context) {
	go m.healthLoop(ctx)
	log.Info().Dur("interval", m.interval).Msg("MCP health loop started")
}

// Stop tears down every connection and timer.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if conn.reconnectTimer != nil {
			conn.reconnectTimer.Stop()
		}
		if conn.client != nil {
			conn.client.Close()
		}
	}
	m.conns = make(map[string]*connection)
	log.Info().Msg("MCP manager stopped")
}

// Connect registers (or updates) a server config and, when enabled,
// attempts a connection. Connection failure is non-fatal: the config is
// kept, a warning is logged, and reconnection takes over.
func (m *Manager) Connect(ctx context.Context, deviceID string, cfg models.MCPServerConfig) (*models.MCPServerStatus, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("server URL is required for HTTP transport")
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}

	k := key(deviceID, cfg.Name)

	m.mu.Lock()
	m.configs[k] = &cfg
	conn, ok := m.conns[k]
	if !ok {
		conn = &connection{deviceID: deviceID, serverName: cfg.Name}
		m.conns[k] = conn
	}
	m.mu.Unlock()

	if !cfg.Enabled {
		return m.status(deviceID, cfg.Name), nil
	}

	if err := m.establish(ctx, conn, cfg); err != nil {
		log.Warn().Err(err).
			Str("device", deviceID).
			Str("server", cfg.Name).
			Msg("initial MCP connection failed, will retry")
		m.logs.Add(deviceID, "warn", cfg.Name, "", fmt.Sprintf("connection failed: %v", err))
		m.scheduleReconnect(conn)
	} else {
		m.logs.Add(deviceID, "info", cfg.Name, "", "server connected")
	}
	return m.status(deviceID, cfg.Name), nil
}

// establish dials, initializes, and loads the tool list.
func (m *Manager) establish(ctx context.Context, conn *connection, cfg models.MCPServerConfig) error {
	client := m.newClient(cfg)
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("tools/list: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.client != nil {
		conn.client.Close()
	}
	if conn.reconnectTimer != nil {
		conn.reconnectTimer.Stop()
		conn.reconnectTimer = nil
	}
	conn.client = client
	conn.connected = true
	conn.tools = tools
	conn.staleTools = tools
	conn.reconnectAttempts = 0

	log.Info().
		Str("device", conn.deviceID).
		Str("server", conn.serverName).
		Int("tools", len(tools)).
		Msg("MCP server connected")
	return nil
}

// Remove stops and deletes a server entirely.
func (m *Manager) Remove(deviceID, serverName string) error {
	k := key(deviceID, serverName)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[k]; !ok {
		return ErrServerNotFound
	}
	delete(m.configs, k)
	if conn, ok := m.conns[k]; ok {
		if conn.reconnectTimer != nil {
			conn.reconnectTimer.Stop()
		}
		if conn.client != nil {
			conn.client.Close()
		}
		delete(m.conns, k)
	}
	m.logs.Add(deviceID, "info", serverName, "", "server removed")
	return nil
}

// Toggle flips a server's enabled flag. Disabling closes the
// connection but keeps the config; enabling attempts a connect.
func (m *Manager) Toggle(ctx context.Context, deviceID, serverName string) (*models.MCPServerStatus, error) {
	k := key(deviceID, serverName)

	m.mu.Lock()
	cfg, ok := m.configs[k]
	if !ok {
		m.mu.Unlock()
		return nil, ErrServerNotFound
	}
	cfg.Enabled = !cfg.Enabled
	enabled := cfg.Enabled
	cfgCopy := *cfg
	conn := m.conns[k]
	if !enabled && conn != nil {
		if conn.reconnectTimer != nil {
			conn.reconnectTimer.Stop()
			conn.reconnectTimer = nil
		}
		if conn.client != nil {
			conn.client.Close()
			conn.client = nil
		}
		conn.connected = false
		conn.tools = nil
		conn.staleTools = nil
		conn.reconnectAttempts = 0
	}
	m.mu.Unlock()

	if enabled {
		if err := m.establish(ctx, conn, cfgCopy); err != nil {
			log.Warn().Err(err).Str("server", serverName).Msg("connect on enable failed, will retry")
			m.scheduleReconnect(conn)
		}
	}
	m.logs.Add(deviceID, "info", serverName, "", fmt.Sprintf("server enabled=%v", enabled))
	return m.status(deviceID, serverName), nil
}

// ── Introspection ────────────────────────────────────────────

// ListServers returns the status of every server configured for the
// device, sorted by name.
func (m *Manager) ListServers(deviceID string) []models.MCPServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.MCPServerStatus
	for k, cfg := range m.configs {
		if !strings.HasPrefix(k, deviceID+"-") {
			continue
		}
		out = append(out, m.statusLocked(cfg, m.conns[k]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// GetServer returns one server's status.
func (m *Manager) GetServer(deviceID, serverName string) (*models.MCPServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[key(deviceID, serverName)]
	if !ok {
		return nil, ErrServerNotFound
	}
	st := m.statusLocked(cfg, m.conns[key(deviceID, serverName)])
	return &st, nil
}

func (m *Manager) status(deviceID, serverName string) *models.MCPServerStatus {
	st, _ := m.GetServer(deviceID, serverName)
	return st
}

func (m *Manager) statusLocked(cfg *models.MCPServerConfig, conn *connection) models.MCPServerStatus {
	st := models.MCPServerStatus{Config: *cfg}
	if conn != nil {
		st.Connected = conn.connected
		st.ToolCount = len(conn.tools)
		st.ReconnectAttempts = conn.reconnectAttempts
	}
	return st
}

// ServerTools returns the cached tool list of one server. While the
// connection is down the last good list is served.
func (m *Manager) ServerTools(deviceID, serverName string) ([]models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := key(deviceID, serverName)
	if _, ok := m.configs[k]; !ok {
		return nil, ErrServerNotFound
	}
	conn := m.conns[k]
	if conn == nil {
		return nil, nil
	}
	if conn.connected {
		return append([]models.Tool(nil), conn.tools...), nil
	}
	return append([]models.Tool(nil), conn.staleTools...), nil
}

// UsageStats returns the per-tool execution counters for a device.
func (m *Manager) UsageStats(deviceID string) map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]uint64)
	for k, v := range m.usage {
		if strings.HasPrefix(k, deviceID+"|") {
			out[strings.TrimPrefix(k, deviceID+"|")] = v
		}
	}
	return out
}

// Logs returns the device's recent MCP activity, newest first.
func (m *Manager) Logs(deviceID string) []models.MCPLogEntry {
	return m.logs.For(deviceID)
}

// ── Tool invocation ──────────────────────────────────────────

// CallTool executes a named tool on a device's server. A disconnected
// server gets one inline reconnect attempt first: the calling chat turn
// has already committed to the tool. Connection-class failures during
// execution trigger the reconnect path and surface as ErrRetryTool.
func (m *Manager) CallTool(ctx context.Context, deviceID, serverName, toolName string, args map[string]any) (*ToolResult, error) {
	k := key(deviceID, serverName)

	m.mu.RLock()
	cfg, ok := m.configs[k]
	conn := m.conns[k]
	var cfgCopy models.MCPServerConfig
	if ok {
		cfgCopy = *cfg
	}
	m.mu.RUnlock()

	if !ok || conn == nil {
		return nil, ErrServerNotFound
	}
	if !cfgCopy.Enabled {
		return nil, ErrServerDisabled
	}

	if !m.isConnected(conn) {
		log.Info().Str("server", serverName).Str("tool", toolName).Msg("server down, inline reconnect before tool call")
		if err := m.establish(ctx, conn, cfgCopy); err != nil {
			m.scheduleReconnect(conn)
			return nil, &ConnectionError{Reason: ReasonUnreachable, Err: err}
		}
	}

	if !m.approved(ctx, deviceID, serverName, toolName, &cfgCopy, args) {
		m.logs.Add(deviceID, "warn", serverName, toolName, "tool execution denied")
		return nil, ErrToolNotApproved
	}

	m.mu.RLock()
	client := conn.client
	m.mu.RUnlock()
	if client == nil {
		return nil, ErrRetryTool
	}

	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		if IsConnectionError(err) {
			m.markDisconnected(conn, fmt.Sprintf("tool call failed: %v", err))
			return nil, fmt.Errorf("%w: %v", ErrRetryTool, err)
		}
		m.logs.Add(deviceID, "error", serverName, toolName, fmt.Sprintf("tool failed: %v", err))
		return nil, err
	}

	m.mu.Lock()
	m.usage[deviceID+"|"+serverName+"|"+toolName]++
	m.mu.Unlock()
	m.logs.Add(deviceID, "info", serverName, toolName, "tool executed")
	log.Info().
		Str("device", deviceID).
		Str("server", serverName).
		Str("tool", toolName).
		Msg("MCP tool executed")
	return result, nil
}

// approved applies the auto-approve set, then the injected policy.
func (m *Manager) approved(ctx context.Context, deviceID, serverName, toolName string, cfg *models.MCPServerConfig, args map[string]any) bool {
	for _, name := range cfg.Capabilities.Tools.AutoApprove {
		if name == toolName || name == "*" {
			return true
		}
	}
	return m.approval.Approve(ctx, deviceID, serverName, toolName, args)
}

// ── Prompt preamble ──────────────────────────────────────────

// BuildPromptPreamble renders the tool advertisement text the broker
// prepends to outgoing chat commands. Empty when no tools are known.
func (m *Manager) BuildPromptPreamble(deviceID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type adv struct {
		serverName string
		tool       models.Tool
		auto       bool
	}
	var advertised []adv
	for k, cfg := range m.configs {
		if !strings.HasPrefix(k, deviceID+"-") || !cfg.Enabled {
			continue
		}
		conn := m.conns[k]
		if conn == nil {
			continue
		}
		tools := conn.tools
		if !conn.connected {
			tools = conn.staleTools
		}
		for _, t := range tools {
			advertised = append(advertised, adv{
				serverName: cfg.Name,
				tool:       t,
				auto:       autoApproved(cfg, t.Name),
			})
		}
	}
	if len(advertised) == 0 {
		return ""
	}
	sort.Slice(advertised, func(i, j int) bool {
		if advertised[i].serverName != advertised[j].serverName {
			return advertised[i].serverName < advertised[j].serverName
		}
		return advertised[i].tool.Name < advertised[j].tool.Name
	})

	var sb strings.Builder
	sb.WriteString("You have access to the following external tools:\n")
	for _, a := range advertised {
		fmt.Fprintf(&sb, "\n- %s (server: %s)", a.tool.Name, a.serverName)
		if a.tool.Description != "" {
			fmt.Fprintf(&sb, ": %s", a.tool.Description)
		}
		if len(a.tool.InputSchema) > 0 {
			fmt.Fprintf(&sb, "\n  input schema: %s", string(a.tool.InputSchema))
		}
		if a.auto {
			sb.WriteString("\n  (pre-approved)")
		}
	}
	sb.WriteString("\n\nTo use a tool, reply with exactly one JSON object of the form " +
		`{"server": "<server>", "tool": "<tool>", "arguments": {...}}` +
		" and nothing else.\n" +
		"Do not generate UI elements and do not fall back to external search; " +
		"if no tool fits, answer directly.")
	return sb.String()
}

func autoApproved(cfg *models.MCPServerConfig, toolName string) bool {
	for _, name := range cfg.Capabilities.Tools.AutoApprove {
		if name == toolName || name == "*" {
			return true
		}
	}
	return false
}

// ── Health & reconnection ────────────────────────────────────

// healthLoop pings every connected server on a fixed interval. The
// transport gives no disconnect event, so this is the only detector of
// silent connection death.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	var live []*connection
	for _, conn := range m.conns {
		if conn.connected {
			live = append(live, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range live {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.ping(pingCtx, conn)
		cancel()
		if err != nil {
			log.Warn().Err(err).
				Str("device", conn.deviceID).
				Str("server", conn.serverName).
				Msg("MCP health check failed")
			m.markDisconnected(conn, fmt.Sprintf("health check failed: %v", err))
		}
	}
}

// markDisconnected flips the connection to disconnected-but-retrying
// and schedules the next reconnect attempt.
func (m *Manager) markDisconnected(conn *connection, reason string) {
	m.mu.Lock()
	if !conn.connected && conn.reconnectTimer != nil {
		// Already retrying.
		m.mu.Unlock()
		return
	}
	conn.connected = false
	conn.tools = nil
	if conn.client != nil {
		conn.client.Close()
		conn.client = nil
	}
	m.mu.Unlock()

	m.logs.Add(conn.deviceID, "warn", conn.serverName, "", reason)
	m.scheduleReconnect(conn)
}

// scheduleReconnect arms the backoff timer for the next attempt. The
// loop never gives up: an operator may fix the remote end at any time.
func (m *Manager) scheduleReconnect(conn *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopCh:
		return
	default:
	}
	if conn.reconnectTimer != nil {
		conn.reconnectTimer.Stop()
	}
	delay := ReconnectDelay(conn.reconnectAttempts)
	conn.reconnectTimer = m.clock.AfterFunc(delay, func() { m.attemptReconnect(conn) })

	log.Info().
		Str("device", conn.deviceID).
		Str("server", conn.serverName).
		Int("attempt", conn.reconnectAttempts).
		Dur("delay", delay).
		Msg("MCP reconnect scheduled")
}

func (m *Manager) attemptReconnect(conn *connection) {
	m.mu.RLock()
	cfg, ok := m.configs[key(conn.deviceID, conn.serverName)]
	var cfgCopy models.MCPServerConfig
	if ok {
		cfgCopy = *cfg
	}
	m.mu.RUnlock()

	if !ok || !cfgCopy.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.establish(ctx, conn, cfgCopy); err != nil {
		m.mu.Lock()
		conn.reconnectAttempts++
		m.mu.Unlock()
		log.Warn().Err(err).
			Str("server", conn.serverName).
			Int("attempt", conn.reconnectAttempts).
			Msg("MCP reconnect failed")
		m.scheduleReconnect(conn)
		return
	}

	m.logs.Add(conn.deviceID, "info", conn.serverName, "", "server reconnected")
	if m.OnReconnect != nil {
		m.OnReconnect(conn.deviceID, conn.serverName)
	}
}

// ── Sessions ─────────────────────────────────────────────────

// CreateSession opens a UI tool-interaction session for a device.
func (m *Manager) CreateSession(deviceID, serverName, id string) *models.MCPSession {
	s := &models.MCPSession{
		ID:         id,
		ServerName: serverName,
		CreatedAt:  m.clock.Now().UTC(),
		Active:     true,
	}
	m.mu.Lock()
	m.sessions[deviceID] = append(m.sessions[deviceID], s)
	m.mu.Unlock()
	return s
}

// ListSessions returns the device's sessions, newest last.
func (m *Manager) ListSessions(deviceID string) []models.MCPSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.MCPSession, 0, len(m.sessions[deviceID]))
	for _, s := range m.sessions[deviceID] {
		out = append(out, *s)
	}
	return out
}

// CloseSession marks a session inactive.
func (m *Manager) CloseSession(deviceID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions[deviceID] {
		if s.ID == sessionID && s.Active {
			s.Active = false
			s.ClosedAt = m.clock.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("session %s not found", sessionID)
}

// ── connection helpers ───────────────────────────────────────

func (m *Manager) isConnected(conn *connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return conn.connected
}

func (m *Manager) ping(ctx context.Context, conn *connection) error {
	m.mu.RLock()
	client := conn.client
	m.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("no client")
	}
	return client.Ping(ctx)
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// mcpCallTimeout bounds a single external tool call.
const mcpCallTimeout = 30 * time.Second

// MCPManager connects to external MCP tool servers and surfaces their tools
// through the registry. One SDK client manages every server session.
type MCPManager struct {
	mu      sync.RWMutex
	client  *mcpsdk.Client
	servers map[string]*mcpsdk.ClientSession
	reg     *Registry
}

// NewMCPManager creates a manager that registers discovered tools into reg.
func NewMCPManager(reg *Registry) *MCPManager {
	return &MCPManager{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "asterisk-ai-voice-agent", Version: "1.0.0"},
			nil,
		),
		servers: make(map[string]*mcpsdk.ClientSession),
		reg:     reg,
	}
}

// Connect establishes sessions to every configured server and registers
// their tools. Failures are per-server: a server that cannot connect is
// skipped with an error in the returned slice so the rest keep working.
func (m *MCPManager) Connect(ctx context.Context, servers []config.MCPServerConfig) []error {
	var errs []error
	for _, cfg := range servers {
		if err := m.connectServer(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *MCPManager) connectServer(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server config must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcp: stdio server %q requires a command", cfg.Name)
		}
		transport = &mcpsdk.CommandTransport{
			Command: exec.CommandContext(ctx, parts[0], parts[1:]...),
		}
	case "http":
		if cfg.URL == "" {
			return fmt.Errorf("mcp: http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcp: server %q has unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	m.mu.Lock()
	if old, ok := m.servers[cfg.Name]; ok {
		_ = old.Close()
	}
	m.servers[cfg.Name] = session
	m.mu.Unlock()

	for _, t := range discovered {
		m.reg.Register(&mcpTool{
			manager: m,
			server:  cfg.Name,
			def: types.ToolDefinition{
				Name:             t.Name,
				Description:      t.Description,
				Category:         types.CategoryBusiness,
				Parameters:       schemaParameters(t.InputSchema),
				MaxExecutionTime: mcpCallTimeout,
			},
		})
	}
	return nil
}

// call invokes a tool on its server session and concatenates the text
// content of the result.
func (m *MCPManager) call(ctx context.Context, server, tool string, args map[string]any) (string, bool, error) {
	m.mu.RLock()
	session, ok := m.servers[server]
	m.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("mcp: server %q not connected", server)
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", false, fmt.Errorf("mcp: call %q on %q: %w", tool, server, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), res.IsError, nil
}

// Close shuts down every server session.
func (m *MCPManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, session := range m.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close server %q: %w", name, err)
		}
		delete(m.servers, name)
	}
	return firstErr
}

// mcpTool adapts one discovered MCP tool to the registry's Tool interface.
type mcpTool struct {
	manager *MCPManager
	server  string
	def     types.ToolDefinition
}

func (t *mcpTool) Definition() types.ToolDefinition { return t.def }

func (t *mcpTool) Execute(ctx context.Context, params map[string]any, ec *ExecContext) types.ToolResult {
	content, isErr, err := t.manager.call(ctx, t.server, t.def.Name, params)
	if err != nil {
		return types.ToolResult{
			Status:  StatusError,
			Message: fmt.Sprintf("The %s tool is unavailable right now.", t.def.Name),
			Error:   err.Error(),
		}
	}
	if isErr {
		return types.ToolResult{Status: StatusFailed, Message: content}
	}
	return types.ToolResult{Status: StatusSuccess, Message: content}
}

// schemaParameters flattens an MCP input schema into the ordered parameter
// list the definition carries. Only top-level object properties are kept;
// nested schemas pass through as plain strings.
func schemaParameters(schema any) []types.ToolParameter {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m struct {
		Properties map[string]struct {
			Type        string   `json:"type"`
			Description string   `json:"description"`
			Enum        []string `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}

	required := make(map[string]bool, len(m.Required))
	for _, r := range m.Required {
		required[r] = true
	}

	names := make([]string, 0, len(m.Properties))
	for name := range m.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]types.ToolParameter, 0, len(names))
	for _, name := range names {
		p := m.Properties[name]
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		params = append(params, types.ToolParameter{
			Name:        name,
			Type:        typ,
			Description: p.Description,
			Required:    required[name],
			Enum:        p.Enum,
		})
	}
	return params
}

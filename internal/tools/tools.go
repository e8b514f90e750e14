// Package tools holds the process-wide tool registry: the catalogue of
// actions a model may invoke during a call, the execution context handed to
// each tool, and the result sanitization applied before a result travels back
// over a provider's function-output channel.
//
// Tool names resolve through a small alias table because providers and
// prompts disagree on naming ("end_call" vs "hangup_call"). The registry is
// populated during startup and read-only afterwards; per-call allowlists
// restrict what each pipeline or provider may see.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// Result status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusBlocked = "blocked"
)

// maxResultBytes caps the serialized tool result sent back to a provider.
const maxResultBytes = 12000

// defaultExecutionTimeout bounds tools that declare no MaxExecutionTime.
const defaultExecutionTimeout = 15 * time.Second

// aliases maps alternate tool names to canonical ones. Providers and prompt
// conventions differ; lookups resolve through this table.
var aliases = map[string]string{
	"transfer_call":     "transfer",
	"transfer_to_queue": "transfer",
	"hangup":            "hangup_call",
	"end_call":          "hangup_call",
}

// ExecContext carries the per-call state a tool may act on.
type ExecContext struct {
	CallID          string
	CallerChannelID string
	BridgeID        string

	// Sessions is the shared call-session store.
	Sessions *session.Store

	// ARI is the live ARI client for channel operations.
	ARI *ari.Client

	// Config is the configuration snapshot taken at call start.
	Config *config.Config

	// Provider names the agent provider or pipeline serving the call.
	Provider string

	// UserInput is the user utterance that triggered this tool call.
	UserInput string

	Log *slog.Logger
}

func (ec *ExecContext) logger() *slog.Logger {
	if ec.Log != nil {
		return ec.Log
	}
	return slog.Default()
}

// Tool is one registered action.
type Tool interface {
	// Definition returns the immutable schema of the tool.
	Definition() types.ToolDefinition

	// Execute runs the tool. Implementations return a ToolResult rather than
	// an error: failures travel back to the model as structured results so
	// it can recover conversationally.
	Execute(ctx context.Context, params map[string]any, ec *ExecContext) types.ToolResult
}

// Registry maps canonical tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), log: log}
}

// Register adds a tool under its canonical name, replacing any previous
// registration under that name.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	if _, dup := r.tools[name]; dup {
		r.log.Warn("tool already registered, overwriting", "tool", name)
	}
	r.tools[name] = t
	r.mu.Unlock()
	r.log.Info("tool registered", "tool", name, "category", t.Definition().Category)
}

// Unregister removes a tool by exact name (no alias resolution).
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

// Get returns the tool registered under name, resolving aliases.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t, true
	}
	if canonical, ok := aliases[name]; ok {
		t, ok := r.tools[canonical]
		return t, ok
	}
	return nil, false
}

// Has reports whether a tool is registered under this exact name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns the schemas of the allowlisted tools, sorted by name.
// An empty allowlist returns everything.
func (r *Registry) Definitions(allowlist []string) []types.ToolDefinition {
	var allowed map[string]bool
	if len(allowlist) > 0 {
		allowed = make(map[string]bool, len(allowlist))
		for _, name := range allowlist {
			if canonical, ok := aliases[name]; ok {
				name = canonical
			}
			allowed[name] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for name, t := range r.tools {
		if allowed != nil && !allowed[name] {
			continue
		}
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute looks up the named tool (alias-aware), checks it against the
// allowlist, parses the JSON arguments and runs it under the tool's
// execution timeout. All failure modes come back as a ToolResult so the
// model can respond to them.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string, allowlist []string, ec *ExecContext) types.ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return types.ToolResult{
			Status:  StatusFailed,
			Message: fmt.Sprintf("Tool %q is not available.", name),
		}
	}
	def := t.Definition()

	if !allowlisted(def.Name, name, allowlist) {
		ec.logger().Warn("tool call rejected by allowlist", "tool", name, "call_id", ec.CallID)
		return types.ToolResult{
			Status:  StatusFailed,
			Message: fmt.Sprintf("Tool %q is not available on this call.", name),
		}
	}

	params := map[string]any{}
	if argsJSON != "" && argsJSON != "{}" {
		if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
			return types.ToolResult{
				Status:  StatusError,
				Message: "The tool arguments could not be parsed.",
				Error:   err.Error(),
			}
		}
	}

	timeout := def.MaxExecutionTime
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := t.Execute(tctx, params, ec)
	ec.logger().Info("tool executed",
		"tool", def.Name, "call_id", ec.CallID,
		"status", res.Status, "duration", time.Since(start))
	return res
}

// allowlisted reports whether canonical (or the spoken name) appears on the
// allowlist. An empty allowlist permits everything.
func allowlisted(canonical, spoken string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, name := range allowlist {
		if name == canonical || name == spoken {
			return true
		}
		if a, ok := aliases[name]; ok && a == canonical {
			return true
		}
	}
	return false
}

// defaultRegistry is the process-wide registry.
var defaultRegistry = NewRegistry(slog.Default())

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds a tool to the process-wide registry.
func Register(t Tool) { defaultRegistry.Register(t) }

// Serialize renders a tool result as the JSON payload sent over a provider's
// function-output channel, capped at maxResultBytes. Oversized results have
// their message and extra fields truncated rather than failing the call.
func Serialize(res types.ToolResult) string {
	payload := map[string]any{"status": res.Status}
	if res.Message != "" {
		payload["message"] = res.Message
	}
	if res.WillHangup {
		payload["will_hangup"] = true
	}
	if res.AIShouldSpeak {
		payload["ai_should_speak"] = true
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	for k, v := range res.Extra {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return `{"status":"error","error":"result serialization failed"}`
	}
	if len(data) <= maxResultBytes {
		return string(data)
	}

	// Drop extras first, then truncate the message.
	payload = map[string]any{"status": res.Status, "truncated": true}
	if res.WillHangup {
		payload["will_hangup"] = true
	}
	if res.AIShouldSpeak {
		payload["ai_should_speak"] = true
	}
	msg := res.Message
	if len(msg) > maxResultBytes/2 {
		msg = msg[:maxResultBytes/2]
	}
	if msg != "" {
		payload["message"] = msg
	}
	data, err = json.Marshal(payload)
	if err != nil {
		return `{"status":"error","error":"result serialization failed"}`
	}
	return string(data)
}

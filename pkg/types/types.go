// Package types contains shared value types used across the voice agent:
// conversation messages, tool-calling schemas, and provider-neutral results.
// It has no dependencies on any other package in this module so that both
// pkg/provider implementations and internal packages can import it freely.
package types

import "time"

// Message represents a single turn in a call's conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string

	// Timestamp is when the turn was recorded.
	Timestamp time.Time
}

// ToolCall represents a tool/function invocation requested by a model.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned; may be empty
	// for providers without call correlation).
	ID string

	// Name is the tool/function name as the model spoke it. Lookup against the
	// registry resolves aliases, so this is not necessarily the canonical name.
	Name string

	// Arguments is the JSON-encoded arguments object.
	Arguments string
}

// ToolCategory groups tools by the kind of side effect they have.
type ToolCategory string

const (
	// CategoryTelephony covers tools that manipulate the call itself
	// (transfer, hangup, voicemail).
	CategoryTelephony ToolCategory = "telephony"

	// CategoryBusiness covers tools with external side effects such as
	// sending an email summary or transcript.
	CategoryBusiness ToolCategory = "business"

	// CategoryInfo covers read-only lookups.
	CategoryInfo ToolCategory = "info"
)

// IsValid reports whether c is a known category.
func (c ToolCategory) IsValid() bool {
	switch c {
	case CategoryTelephony, CategoryBusiness, CategoryInfo:
		return true
	}
	return false
}

// ToolParameter describes one input parameter of a tool. Parameters are kept
// as an ordered slice (not a map) so schema output is deterministic.
type ToolParameter struct {
	// Name is the parameter's key in the arguments object.
	Name string

	// Type is the JSON Schema type: "string", "number", "integer", "boolean".
	Type string

	// Description explains the parameter to the model.
	Description string

	// Required marks the parameter as mandatory.
	Required bool

	// Enum optionally restricts string parameters to a fixed value set.
	Enum []string
}

// ToolDefinition is the immutable schema of a registered tool. Per-provider
// adapters translate it to each wire format (flat vs nested).
type ToolDefinition struct {
	// Name is the tool's canonical identifier (e.g. "hangup_call").
	Name string

	// Description explains what the tool does and when to use it. This text is
	// shown to the model, so it carries the behavioural contract.
	Description string

	// Category groups the tool for allowlisting and reporting.
	Category ToolCategory

	// Parameters is the ordered parameter list.
	Parameters []ToolParameter

	// RequiresChannel is true when the tool needs a live caller channel.
	RequiresChannel bool

	// MaxExecutionTime bounds a single execution.
	MaxExecutionTime time.Duration
}

// SchemaObject renders the parameter list as a JSON Schema object of the
// shape most function-calling APIs expect:
//
//	{"type": "object", "properties": {...}, "required": [...]}
//
// Parameter order is preserved in the required list.
func (d ToolDefinition) SchemaObject() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ToolResult is the normalized outcome of a tool execution, serialized back
// to the provider's function-output channel.
type ToolResult struct {
	// Status is "success", "failed", "error", or "blocked".
	Status string

	// Message is spoken or shown to the caller when non-empty.
	Message string

	// WillHangup signals the engine to hang up once the farewell audio finishes.
	WillHangup bool

	// AIShouldSpeak asks the provider to voice Message as its next response
	// instead of generating a fresh one.
	AIShouldSpeak bool

	// Error carries the underlying failure detail for logs; never spoken.
	Error string

	// Extra holds tool-specific fields merged into the serialized result.
	Extra map[string]any
}

// Success reports whether the result indicates a completed execution.
func (r ToolResult) Success() bool { return r.Status == "success" }

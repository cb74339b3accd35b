// Package domain holds the core types shared by the broker: the error
// taxonomy, OpenAI-shaped chat structures, the worker wire frames, and the
// transport port implemented by the websocket adapter.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	// ErrMissingUser means the inbound request carried no user message to forward.
	ErrMissingUser = errors.New("missing user message")
	// ErrNoWorker means acquisition exhausted with no idle worker.
	ErrNoWorker = errors.New("no worker available")
	// ErrTransport means a write to a claimed worker failed and retries were exhausted.
	ErrTransport = errors.New("transport error")
	// ErrWorkerGone means the assigned worker disconnected or was evicted before replying.
	ErrWorkerGone = errors.New("worker gone")
	// ErrTimeout means the response wait elapsed with no worker reply.
	ErrTimeout = errors.New("response timeout")
	// ErrCapacity means the worker ceiling was reached at registration.
	ErrCapacity = errors.New("capacity exhausted")
	// ErrDuplicateID means a rendezvous slot already exists for a request id.
	ErrDuplicateID = errors.New("duplicate request id")
	// ErrInvalidArgument covers malformed inbound requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInternal covers unexpected broker failures.
	ErrInternal = errors.New("internal error")
)

// Chat message roles per the OpenAI chat-completion contract.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of an OpenAI-shaped conversation.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
}

// ToolFunction describes a callable function inside a tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool is one entry of the request's tool catalogue.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// CompletionRequest is the inbound body of POST /v1/chat/completions.
// Unrecognized OpenAI fields are accepted and ignored.
type CompletionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
}

// ToolCallFunction carries the function name and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a normalized tool invocation in a completion result.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Finish reasons reported in the completion envelope.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// CompletionResult is the parsed outcome of one dispatch.
type CompletionResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Transport is one worker's duplex connection as seen by the broker.
// Send marshals and writes a single frame; implementations serialize
// concurrent writers so frames never interleave.
type Transport interface {
	Send(ctx context.Context, frame any) error
	Close() error
}

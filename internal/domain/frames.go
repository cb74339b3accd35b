package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators. Broker to worker: connection_established,
// heartbeat, completion_request, error. Worker to broker: register,
// client_ready, heartbeat_response, completion_response, client_log.
const (
	FrameConnectionEstablished = "connection_established"
	FrameHeartbeat             = "heartbeat"
	FrameCompletionRequest     = "completion_request"
	FrameError                 = "error"

	FrameRegister           = "register"
	FrameClientReady        = "client_ready"
	FrameHeartbeatResponse  = "heartbeat_response"
	FrameCompletionResponse = "completion_response"
	FrameClientLog          = "client_log"
)

// Sentinel markers embedded in the worker's free-form reply text. These are
// literal byte sequences, not structured fields.
const (
	MarkerContentOpen    = "<content>"
	MarkerContentClose   = "</content>"
	MarkerToolCallsOpen  = "<tool_calls>"
	MarkerToolCallsClose = "</tool_calls>"
	MarkerResponseDone   = "<response_done>"
)

// Envelope is the minimal shape every frame shares; used to pick the
// concrete type before a second unmarshal.
type Envelope struct {
	Type string `json:"type"`
}

// ConnectionEstablishedFrame acknowledges a worker's register frame and
// hands it the broker-assigned id.
type ConnectionEstablishedFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HeartbeatFrame is the server-initiated liveness probe.
type HeartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame reports a non-fatal protocol problem back to the worker.
type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// CompletionRequestFrame is the forwarded wire payload sent to a worker.
// Messages already reflect the history projection and cache elision: fields
// elided by cache policy are absent, not null, and the matching *_cached
// flag tells the worker to reuse what it last received.
type CompletionRequestFrame struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"request_id"`
	Model        string        `json:"model"`
	Messages     []ChatMessage `json:"messages"`
	Temperature  *float64      `json:"temperature,omitempty"`
	MaxTokens    *int          `json:"max_tokens,omitempty"`
	Stream       bool          `json:"stream"`
	Tools        []Tool        `json:"tools,omitempty"`
	SystemCached bool          `json:"system_cached,omitempty"`
	ToolsCached  bool          `json:"tools_cached,omitempty"`
	Timestamp    string        `json:"timestamp"`
}

// RegisterFrame is the worker's hello, optionally carrying a worker-supplied
// id and metadata about the front-end it automates.
type RegisterFrame struct {
	Type     string            `json:"type"`
	ClientID string            `json:"client_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FrameErrorInfo is the error detail a worker may attach to a completion response.
type FrameErrorInfo struct {
	Message string `json:"message"`
	Kind    string `json:"type,omitempty"`
}

// CompletionResponseFrame carries the worker's raw reply. Content is free
// text; the response parser extracts structure from it.
type CompletionResponseFrame struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"request_id"`
	Content      string          `json:"content"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	Error        *FrameErrorInfo `json:"error,omitempty"`
}

// ClientLogFrame forwards a log line from the worker's userscript.
type ClientLogFrame struct {
	Type    string `json:"type"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// DecodeEnvelope extracts the type discriminator from a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame envelope: %w", err)
	}
	return env, nil
}

// NewHeartbeatFrame builds a heartbeat frame stamped with the given time.
func NewHeartbeatFrame(now time.Time) HeartbeatFrame {
	return HeartbeatFrame{Type: FrameHeartbeat, Timestamp: now.UTC().Format(time.RFC3339)}
}

// NewErrorFrame builds an error frame stamped with the given time.
func NewErrorFrame(msg string, now time.Time) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: msg, Timestamp: now.UTC().Format(time.RFC3339)}
}

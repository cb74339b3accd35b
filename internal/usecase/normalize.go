package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
)

// formatInstruction is the system message synthesized when the caller sends
// none. The remote worker's natural output has no framing; the terminal
// sentinel lets the parser find end-of-response unambiguously.
const formatInstruction = "Wrap your final answer between <content> and </content>. " +
	"If you need to call tools, emit a <tool_calls>[...]</tool_calls> JSON array instead of prose. " +
	"Always finish your reply with the literal marker <response_done>."

// Normalized is a completion request projected into the form forwarded to a
// worker, plus the payload fingerprints used for per-worker cache elision.
type Normalized struct {
	Model          string
	SystemMessages []domain.ChatMessage
	UserMessage    domain.ChatMessage
	Temperature    *float64
	MaxTokens      *int
	Stream         bool
	Tools          []domain.Tool

	// SystemDigest fingerprints SystemMessages; ToolsDigest fingerprints
	// Tools. They are computed independently so a prompt change cannot
	// invalidate the tool cache or vice versa.
	SystemDigest string
	ToolsDigest  string
}

// Normalize projects the inbound message history onto the forwarded shape:
// every system message is kept in order, only the last user message
// survives, and assistant history is dropped. The remote worker drives a
// chat UI that keeps its own context; replaying the transcript would
// duplicate history there.
func Normalize(req domain.CompletionRequest) (Normalized, error) {
	n := Normalized{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Tools:       req.Tools,
	}

	var lastUser *domain.ChatMessage
	for i := range req.Messages {
		m := req.Messages[i]
		switch m.Role {
		case domain.RoleSystem:
			n.SystemMessages = append(n.SystemMessages, m)
		case domain.RoleUser:
			lastUser = &req.Messages[i]
		}
	}
	if lastUser == nil || strings.TrimSpace(lastUser.Content) == "" {
		return Normalized{}, fmt.Errorf("%w: request carries no user content", domain.ErrMissingUser)
	}
	n.UserMessage = *lastUser

	if len(n.SystemMessages) == 0 {
		n.SystemMessages = []domain.ChatMessage{{Role: domain.RoleSystem, Content: formatInstruction}}
	}

	n.SystemDigest = digestJSON(n.SystemMessages)
	if len(n.Tools) > 0 {
		n.ToolsDigest = digestJSON(n.Tools)
	}
	return n, nil
}

// Frame assembles the wire frame for a specific worker, eliding the system
// prompt and tool catalogue when the worker's caches already hold them.
// Elided fields are absent from the frame, with the matching cached flag set.
func (n Normalized) Frame(requestID, workerSystemDigest, workerToolsDigest string) domain.CompletionRequestFrame {
	fr := domain.CompletionRequestFrame{
		Type:        domain.FrameCompletionRequest,
		RequestID:   requestID,
		Model:       n.Model,
		Temperature: n.Temperature,
		MaxTokens:   n.MaxTokens,
		Stream:      n.Stream,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if n.SystemDigest != "" && n.SystemDigest == workerSystemDigest {
		fr.SystemCached = true
		fr.Messages = []domain.ChatMessage{n.UserMessage}
	} else {
		fr.Messages = append(append([]domain.ChatMessage{}, n.SystemMessages...), n.UserMessage)
	}

	if len(n.Tools) > 0 {
		if n.ToolsDigest == workerToolsDigest {
			fr.ToolsCached = true
		} else {
			fr.Tools = n.Tools
		}
	}
	return fr
}

// NewRequestID mints a broker-unique request id.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// digestJSON fingerprints a payload via its JSON encoding. Collision
// resistance only needs to cover accident, not an adversary.
func digestJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

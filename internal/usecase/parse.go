package usecase

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
)

// ParseReply turns a worker's completion_response frame into a structured
// result. A structured tool_calls field on the frame wins outright;
// otherwise the free-text ladder runs over the content.
func ParseReply(fr *domain.CompletionResponseFrame) domain.CompletionResult {
	if len(fr.ToolCalls) > 0 {
		if calls, ok := normalizeToolCalls(fr.ToolCalls); ok {
			return finishResult(domain.CompletionResult{
				Content:      stripMarkers(fr.Content),
				ToolCalls:    calls,
				FinishReason: fr.FinishReason,
			})
		}
	}
	res := ParseText(fr.Content)
	if fr.FinishReason != "" {
		res.FinishReason = fr.FinishReason
	}
	return res
}

// ParseText extracts a completion result from free-form reply text. The
// rule order is normative: sentinel markers, then a bare JSON object, then
// the last fenced JSON block, then plain text. The first rule that matches
// wins; malformed JSON never aborts a dispatch, it falls through.
func ParseText(text string) domain.CompletionResult {
	if res, ok := parseMarkers(text); ok {
		return res
	}
	if res, ok := parseJSONObject(strings.TrimSpace(text)); ok {
		return res
	}
	if res, ok := parseFencedJSON(text); ok {
		return res
	}
	return finishResult(domain.CompletionResult{Content: text})
}

// parseMarkers handles the sentinel-delimited form: <content>...</content>,
// <tool_calls>[...]</tool_calls>, and the terminal <response_done>.
func parseMarkers(text string) (domain.CompletionResult, bool) {
	content, hasContent := between(text, domain.MarkerContentOpen, domain.MarkerContentClose)
	toolsRaw, hasTools := between(text, domain.MarkerToolCallsOpen, domain.MarkerToolCallsClose)
	doneAt := strings.Index(text, domain.MarkerResponseDone)

	if !hasContent && !hasTools && doneAt < 0 {
		return domain.CompletionResult{}, false
	}

	var calls []domain.ToolCall
	if hasTools {
		var ok bool
		calls, ok = normalizeToolCalls(json.RawMessage(toolsRaw))
		if !ok {
			slog.Debug("malformed tool_calls block in worker reply", slog.Int("len", len(toolsRaw)))
			if !hasContent && doneAt < 0 {
				// Nothing else matched; let the next rule try.
				return domain.CompletionResult{}, false
			}
			calls = nil
		}
	}

	switch {
	case hasContent:
		// content already extracted
	case doneAt >= 0:
		content = strings.TrimSpace(text[:doneAt])
	default:
		content = ""
	}
	return finishResult(domain.CompletionResult{Content: content, ToolCalls: calls}), true
}

// replyObject is the JSON-object reply form some workers produce.
type replyObject struct {
	Content      string          `json:"content"`
	ToolCalls    json.RawMessage `json:"tool_calls"`
	FinishReason string          `json:"finish_reason"`
}

func parseJSONObject(trimmed string) (domain.CompletionResult, bool) {
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return domain.CompletionResult{}, false
	}
	var obj replyObject
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return domain.CompletionResult{}, false
	}
	res := domain.CompletionResult{Content: obj.Content, FinishReason: obj.FinishReason}
	if len(obj.ToolCalls) > 0 {
		if calls, ok := normalizeToolCalls(obj.ToolCalls); ok {
			res.ToolCalls = calls
		}
	}
	return finishResult(res), true
}

// parseFencedJSON parses the last ```json fence in the reply with JSON-object
// semantics.
func parseFencedJSON(text string) (domain.CompletionResult, bool) {
	const fence = "```json"
	start := strings.LastIndex(text, fence)
	if start < 0 {
		return domain.CompletionResult{}, false
	}
	body := text[start+len(fence):]
	end := strings.Index(body, "```")
	if end < 0 {
		return domain.CompletionResult{}, false
	}
	return parseJSONObject(strings.TrimSpace(body[:end]))
}

// wireToolCall accepts the shapes workers actually emit: a bare
// {name, arguments} pair or the OpenAI {id, type, function:{...}} form,
// with arguments as either a JSON-encoded string or an object.
type wireToolCall struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func normalizeToolCalls(raw json.RawMessage) ([]domain.ToolCall, bool) {
	var wire []wireToolCall
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false
	}
	calls := make([]domain.ToolCall, 0, len(wire))
	for _, w := range wire {
		name := w.Name
		args := w.Arguments
		if w.Function != nil {
			if w.Function.Name != "" {
				name = w.Function.Name
			}
			if len(w.Function.Arguments) > 0 {
				args = w.Function.Arguments
			}
		}
		if name == "" {
			return nil, false
		}
		id := w.ID
		if id == "" {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		calls = append(calls, domain.ToolCall{
			ID:   id,
			Type: "function",
			Function: domain.ToolCallFunction{
				Name:      name,
				Arguments: argumentsString(args),
			},
		})
	}
	return calls, true
}

// argumentsString normalizes tool-call arguments to a compact JSON string.
func argumentsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	// A JSON-encoded string is unwrapped to its inner text.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// stripMarkers removes sentinel framing when content arrived alongside a
// structured tool_calls field.
func stripMarkers(text string) string {
	if inner, ok := between(text, domain.MarkerContentOpen, domain.MarkerContentClose); ok {
		return inner
	}
	if at := strings.Index(text, domain.MarkerResponseDone); at >= 0 {
		return strings.TrimSpace(text[:at])
	}
	return text
}

// finishResult fills in the finish reason when the reply did not specify one.
func finishResult(res domain.CompletionResult) domain.CompletionResult {
	if res.FinishReason == "" {
		if len(res.ToolCalls) > 0 {
			res.FinishReason = domain.FinishToolCalls
		} else {
			res.FinishReason = domain.FinishStop
		}
	}
	return res
}

func between(s, open, shut string) (string, bool) {
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, shut)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

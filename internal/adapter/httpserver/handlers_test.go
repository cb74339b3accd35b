package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
	"github.com/fairyhunter13/ai-chat-bridge/internal/usecase"
)

// scriptedTransport plays the worker side for handler tests.
type scriptedTransport struct {
	fail   bool
	onSend func(domain.CompletionRequestFrame)
}

func (s *scriptedTransport) Send(_ context.Context, frame any) error {
	if s.fail {
		return context.DeadlineExceeded
	}
	if fr, ok := frame.(domain.CompletionRequestFrame); ok && s.onSend != nil {
		go s.onSend(fr)
	}
	return nil
}

func (s *scriptedTransport) Close() error { return nil }

func newTestServer(t *testing.T, acquire, respond time.Duration) *Server {
	t.Helper()
	reg := pool.NewRegistry(0, time.Minute)
	tbl := rendezvous.NewTable()
	reg.SetOnEvict(func(id string) { tbl.CancelForWorker(id) })
	cfg := config.Config{AppEnv: "test", OTELServiceName: "ai-chat-bridge"}
	return NewServer(cfg, usecase.NewDispatchService(reg, tbl, acquire, respond), reg, tbl)
}

func addEchoWorker(t *testing.T, s *Server, reply string) {
	t.Helper()
	tr := &scriptedTransport{}
	tr.onSend = func(fr domain.CompletionRequestFrame) {
		s.Table.Deposit(fr.RequestID, &domain.CompletionResponseFrame{
			Type:      domain.FrameCompletionResponse,
			RequestID: fr.RequestID,
			Content:   reply,
		})
	}
	id, err := s.Registry.Register(tr, nil)
	require.NoError(t, err)
	s.Registry.MarkReady(id)
}

func postCompletion(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ChatCompletionsHandler()(rec, req)
	return rec
}

func TestChatCompletions_Success(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	addEchoWorker(t, s, "<content>bonjour</content><response_done>")

	rec := postCompletion(t, s, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^chatcmpl-req_[0-9a-f]{8}$`, resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gpt-4", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "bonjour", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Greater(t, resp.Usage.TotalTokens, 0)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestChatCompletions_ToolCallEnvelope(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	addEchoWorker(t, s, `<content></content><tool_calls>[{"name":"lookup","arguments":{"q":"go"}}]</tool_calls><response_done>`)

	rec := postCompletion(t, s, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Choices []struct {
			Message struct {
				ToolCalls []domain.ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
}

func TestChatCompletions_BadJSON(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	rec := postCompletion(t, s, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_argument")
}

func TestChatCompletions_ValidationFailure(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	rec := postCompletion(t, s, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "model is required")
}

func TestChatCompletions_MissingUser(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	addEchoWorker(t, s, "unused")
	rec := postCompletion(t, s, `{"model":"gpt-4","messages":[{"role":"system","content":"s"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_user")
}

func TestChatCompletions_NoWorker(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 30*time.Millisecond, time.Second)
	rec := postCompletion(t, s, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_worker")
}

func TestChatCompletions_Timeout(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, 30*time.Millisecond)
	silent := &scriptedTransport{}
	id, err := s.Registry.Register(silent, nil)
	require.NoError(t, err)
	s.Registry.MarkReady(id)

	rec := postCompletion(t, s, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "timeout")
}

func TestChatCompletions_TransportError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	id, err := s.Registry.Register(&scriptedTransport{fail: true}, nil)
	require.NoError(t, err)
	s.Registry.MarkReady(id)

	rec := postCompletion(t, s, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "transport_error")
}

func TestHealth_DegradedWithoutWorkers(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)

	rec := httptest.NewRecorder()
	s.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])

	addEchoWorker(t, s, "x")
	rec = httptest.NewRecorder()
	s.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 1.0, body["total_connections"])
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	addEchoWorker(t, s, "x")

	rec := httptest.NewRecorder()
	s.StatsHandler()(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1.0, body["total_connections"])
	assert.Equal(t, 1.0, body["idle_connections"])
	assert.Equal(t, 0.0, body["pending_requests"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestModels(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	rec := httptest.NewRecorder()
	s.ModelsHandler()(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.NotEmpty(t, body.Data)
	assert.Equal(t, "model", body.Data[0].Object)
}

func TestRoot(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, time.Second, time.Second)
	rec := httptest.NewRecorder()
	s.RootHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"online"`)
	assert.Contains(t, rec.Body.String(), "/v1/chat/completions")
}

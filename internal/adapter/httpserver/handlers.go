package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-chat-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bridge/internal/adapter/tokencount"
	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
	"github.com/fairyhunter13/ai-chat-bridge/internal/usecase"
)

// maxBodyBytes bounds a completion request body. Tool catalogues can be
// bulky but nothing legitimate approaches this.
const maxBodyBytes = 5 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Dispatch  *usecase.DispatchService
	Registry  *pool.Registry
	Table     *rendezvous.Table
	Tokens    *tokencount.Counter
	StartedAt time.Time
}

// NewServer constructs the HTTP server with all handlers wired.
func NewServer(cfg config.Config, dispatch *usecase.DispatchService, reg *pool.Registry, tbl *rendezvous.Table) *Server {
	return &Server{
		Cfg:       cfg,
		Dispatch:  dispatch,
		Registry:  reg,
		Table:     tbl,
		Tokens:    tokencount.NewCounter(),
		StartedAt: time.Now(),
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chatChoice     `json:"choices"`
	Usage   tokencount.Usage `json:"usage"`
}

// ChatCompletionsHandler serves POST /v1/chat/completions: decode, validate,
// dispatch to a worker, and wrap the parsed reply in an OpenAI envelope.
// Streamed delivery is not supported; stream=true requests get the complete
// response in one shot.
func (s *Server) ChatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lg := LoggerFrom(r)

		var req domain.CompletionRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		if req.Stream {
			lg.Debug("stream requested; responding non-streamed")
		}

		requestID := usecase.NewRequestID()
		start := time.Now()
		res, err := s.Dispatch.Dispatch(r.Context(), requestID, req)
		observability.ObserveDispatch(outcomeLabel(err), time.Since(start))
		stats := s.Registry.Snapshot()
		observability.SetWorkerCounts(stats.Total, stats.Idle, stats.Busy)
		if err != nil {
			lg.Warn("dispatch failed",
				slog.String("completion_request_id", requestID),
				slog.Any("error", err))
			writeError(w, r, err)
			return
		}

		lg.Info("dispatch completed",
			slog.String("completion_request_id", requestID),
			slog.String("finish_reason", res.FinishReason),
			slog.Duration("duration_ms", time.Since(start)))
		writeJSON(w, http.StatusOK, chatCompletionResponse{
			ID:      "chatcmpl-" + requestID,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []chatChoice{{
				Message: choiceMessage{
					Role:      domain.RoleAssistant,
					Content:   res.Content,
					ToolCalls: res.ToolCalls,
				},
				FinishReason: res.FinishReason,
			}},
			Usage: s.Tokens.CalculateUsage(req.Model, res.Content, req.Messages),
		})
	}
}

// outcomeLabel buckets a dispatch error for the outcome metric.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrMissingUser):
		return "missing_user"
	case errors.Is(err, domain.ErrNoWorker):
		return "no_worker"
	case errors.Is(err, domain.ErrTransport):
		return "transport_error"
	case errors.Is(err, domain.ErrWorkerGone):
		return "worker_gone"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

// RootHandler serves the service banner at GET /.
func (s *Server) RootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": s.Cfg.OTELServiceName,
			"status":  "online",
			"endpoints": map[string]string{
				"completions": "/v1/chat/completions",
				"models":      "/v1/models",
				"websocket":   "/ws",
				"health":      "/health",
				"stats":       "/stats",
			},
		})
	}
}

// HealthHandler reports degraded (still 200) when no workers are connected,
// so load balancers keep routing while operators see the empty pool.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := s.Registry.Snapshot()
		status := "healthy"
		if stats.Total == 0 {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            status,
			"total_connections": stats.Total,
			"idle_connections":  stats.Idle,
			"busy_connections":  stats.Busy,
			"pending_requests":  s.Table.Pending(),
		})
	}
}

// StatsHandler exposes pool and rendezvous counters for operators.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := s.Registry.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"uptime_seconds":    int64(time.Since(s.StartedAt).Seconds()),
			"total_connections": stats.Total,
			"idle_connections":  stats.Idle,
			"busy_connections":  stats.Busy,
			"pending_requests":  s.Table.Pending(),
		})
	}
}

// modelCatalog is what GET /v1/models advertises. The pool serves whatever
// front-end the connected workers automate, so the list is nominal; the
// model field of a completion request is forwarded as-is.
var modelCatalog = []string{"gpt-4", "gpt-4o", "gpt-3.5-turbo"}

// ModelsHandler serves the OpenAI-shaped model list.
func (s *Server) ModelsHandler() http.HandlerFunc {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		data := make([]model, 0, len(modelCatalog))
		for _, id := range modelCatalog {
			data = append(data, model{
				ID:      id,
				Object:  "model",
				Created: s.StartedAt.Unix(),
				OwnedBy: s.Cfg.OTELServiceName,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}

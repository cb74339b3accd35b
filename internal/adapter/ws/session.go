// Package ws carries the worker-facing side of the bridge: the WebSocket
// endpoint workers connect to, and the per-connection session that owns all
// reads and serialized writes on that connection.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-chat-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
)

const (
	// writeWait bounds a single frame write; a worker that cannot drain a
	// frame within it is treated as gone.
	writeWait = 10 * time.Second

	// maxFrameBytes caps inbound frames. Replies from chat front-ends run
	// long but never near this.
	maxFrameBytes = 10 << 20
)

// Session is one live worker connection. It implements domain.Transport for
// the dispatcher. All writes go through writeMu; the read loop is the sole
// reader.
type Session struct {
	conn     *websocket.Conn
	registry *pool.Registry
	table    *rendezvous.Table

	workerID  string
	heartbeat time.Duration
	log       *slog.Logger

	writeMu  sync.Mutex
	teardown sync.Once
}

// NewSession wraps an upgraded connection. The caller registers the session
// with the pool and then calls Run.
func NewSession(conn *websocket.Conn, reg *pool.Registry, tbl *rendezvous.Table, heartbeat time.Duration) *Session {
	conn.SetReadLimit(maxFrameBytes)
	return &Session{
		conn:      conn,
		registry:  reg,
		table:     tbl,
		heartbeat: heartbeat,
		log:       slog.Default(),
	}
}

// Bind records the pool-assigned worker id. Must happen before Run.
func (s *Session) Bind(workerID string) {
	s.workerID = workerID
	s.log = slog.With(slog.String("worker_id", workerID))
}

// Send marshals a frame and writes it as one text message. Concurrent
// senders (dispatcher, heartbeat loop, read loop acks) are serialized here.
func (s *Session) Send(_ context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("op=ws.Send: marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("op=ws.Send: %w", err)
	}
	return nil
}

// Close shuts the underlying connection, which unblocks the read loop.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run pumps the connection until it dies: a heartbeat ticker on one
// goroutine, the read loop on the calling one. Teardown runs exactly once
// on any exit path and leaves no registry entry or open slot behind.
func (s *Session) Run(ctx context.Context) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx)

	s.readLoop(ctx)
	s.Teardown()
}

// Teardown cancels the worker's pending dispatches, removes it from the
// pool, and closes the connection. Safe to call from any goroutine.
func (s *Session) Teardown() {
	s.teardown.Do(func() {
		if n := s.table.CancelForWorker(s.workerID); n > 0 {
			s.log.Warn("worker left with dispatches in flight", slog.Int("cancelled", n))
		}
		s.registry.Remove(s.workerID)
		_ = s.conn.Close()
		s.log.Info("worker disconnected")
	})
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := s.Send(ctx, domain.NewHeartbeatFrame(now)); err != nil {
				s.log.Warn("heartbeat write failed", slog.Any("error", err))
				s.Teardown()
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("read failed", slog.Any("error", err))
			}
			return
		}
		s.handleFrame(ctx, data)
	}
}

// handleFrame demultiplexes one inbound frame. A malformed or unknown frame
// earns an error frame back to the worker but never tears the session down.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	env, err := domain.DecodeEnvelope(data)
	if err != nil {
		s.log.Warn("undecodable frame from worker", slog.Any("error", err))
		_ = s.Send(ctx, domain.NewErrorFrame("malformed frame", time.Now()))
		return
	}
	observability.IncFrameReceived(env.Type)

	switch env.Type {
	case domain.FrameRegister:
		s.onRegister(ctx, data)
	case domain.FrameClientReady:
		s.registry.MarkReady(s.workerID)
		s.log.Info("worker ready")
	case domain.FrameHeartbeatResponse:
		s.registry.Touch(s.workerID)
	case domain.FrameCompletionResponse:
		s.onCompletionResponse(data)
	case domain.FrameClientLog:
		s.onClientLog(data)
	default:
		s.log.Warn("unknown frame type from worker", slog.String("type", env.Type))
		_ = s.Send(ctx, domain.NewErrorFrame(fmt.Sprintf("unknown frame type %q", env.Type), time.Now()))
	}
}

// onRegister acknowledges the worker's hello with the pool-assigned id.
// Re-registration on a live session just refreshes the annotation.
func (s *Session) onRegister(ctx context.Context, data []byte) {
	var fr domain.RegisterFrame
	if err := json.Unmarshal(data, &fr); err != nil {
		_ = s.Send(ctx, domain.NewErrorFrame("malformed register frame", time.Now()))
		return
	}
	s.registry.Annotate(s.workerID, fr.ClientID, fr.Metadata)
	s.log.Info("worker registered", slog.String("client_id", fr.ClientID))
	_ = s.Send(ctx, domain.ConnectionEstablishedFrame{
		Type:      domain.FrameConnectionEstablished,
		ClientID:  s.workerID,
		Message:   "registered",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Session) onCompletionResponse(data []byte) {
	var fr domain.CompletionResponseFrame
	if err := json.Unmarshal(data, &fr); err != nil {
		s.log.Warn("malformed completion response", slog.Any("error", err))
		return
	}
	if fr.RequestID == "" {
		s.log.Warn("completion response without request id")
		return
	}
	if !s.table.Deposit(fr.RequestID, &fr) {
		// Late reply after a timeout, or an id we never issued.
		observability.IncStrayReply()
		s.log.Warn("stray completion response discarded", slog.String("request_id", fr.RequestID))
	}
}

// onClientLog surfaces a worker-side log line into the broker's log stream.
func (s *Session) onClientLog(data []byte) {
	var fr domain.ClientLogFrame
	if err := json.Unmarshal(data, &fr); err != nil {
		return
	}
	lvl := slog.LevelInfo
	switch fr.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	s.log.Log(context.Background(), lvl, "worker log", slog.String("message", fr.Message))
}

package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
)

// Handler upgrades worker connections and runs a Session per connection.
type Handler struct {
	Registry  *pool.Registry
	Table     *rendezvous.Table
	Heartbeat time.Duration

	upgrader websocket.Upgrader
}

// NewHandler builds the /ws endpoint handler. Workers connect from browser
// userscripts on arbitrary chat-site origins, so origin checking is open.
func NewHandler(reg *pool.Registry, tbl *rendezvous.Table, heartbeat time.Duration) *Handler {
	return &Handler{
		Registry:  reg,
		Table:     tbl,
		Heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	sess := NewSession(conn, h.Registry, h.Table, h.Heartbeat)
	id, err := h.Registry.Register(sess, nil)
	if err != nil {
		if errors.Is(err, domain.ErrCapacity) {
			slog.Warn("worker refused at capacity", slog.String("remote", r.RemoteAddr))
		}
		_ = sess.Send(r.Context(), domain.NewErrorFrame("server at capacity", time.Now()))
		_ = conn.Close()
		return
	}
	sess.Bind(id)
	slog.Info("worker connected",
		slog.String("worker_id", id),
		slog.String("remote", r.RemoteAddr))

	sess.Run(r.Context())
}

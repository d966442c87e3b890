package handlers

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codecollab/pkg/executor"
	"codecollab/pkg/room"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

type Options struct {
	MaxMessageBytes int64
	JoinTimeout     time.Duration
}

// Handlers contains all HTTP and WebSocket handlers
type Handlers struct {
	hub      *room.Hub
	runner   *executor.Runner
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates a new handlers instance
func NewHandlers(hub *room.Hub, runner *executor.Runner, opts Options, log *zap.Logger) *Handlers {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	return &Handlers{
		hub:    hub,
		runner: runner,
		opts:   opts,
		log:    log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.JoinTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// HandleWebSocket upgrades the connection and joins the session to its room.
// The room comes from the roomId query parameter or the {roomId} path segment.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		roomID = mux.Vars(r)["roomId"]
	}
	username := r.URL.Query().Get("username")

	s, err := h.hub.Connect(roomID, username)
	if err != nil {
		h.log.Warn("rejecting connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		closeConn(conn, websocket.CloseInvalidFramePayloadData, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.JoinTimeout)
	defer cancel()
	if err := h.hub.Join(ctx, s); err != nil {
		h.log.Error("join failed",
			zap.String("room", s.RoomID),
			zap.String("user", s.UserID),
			zap.Error(err))
		closeConn(conn, websocket.CloseInternalServerErr, "join failed")
		return
	}

	go h.writePump(s, conn)
	go h.readPump(s, conn)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// readPump feeds inbound frames to the hub until the connection fails
func (h *Handlers) readPump(s *room.Session, conn *websocket.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("panic in readPump",
				zap.String("session", s.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
		h.hub.Leave(s)
		conn.Close()
	}()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Info("websocket closed unexpectedly", zap.String("session", s.ID), zap.Error(err))
			}
			return
		}
		h.hub.Handle(s, message)
	}
}

// writePump drains the session queue to the connection and sends the close
// frame once the hub closes the session
func (h *Handlers) writePump(s *room.Session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("panic in writePump",
				zap.String("session", s.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
		ticker.Stop()
		h.hub.Leave(s)
		conn.Close()
	}()

	for {
		select {
		case message := <-s.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("websocket write failed", zap.String("session", s.ID), zap.Error(err))
				return
			}

		case <-s.Done():
			code, reason := s.CloseReason()
			msg := websocket.FormatCloseMessage(code, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Debug("websocket ping failed", zap.String("session", s.ID), zap.Error(err))
				return
			}
		}
	}
}

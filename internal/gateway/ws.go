package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/example/nats-chatroom/internal/bridge"
	"github.com/example/nats-chatroom/internal/message"
	"github.com/example/nats-chatroom/internal/rooms"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	maxInbound = 8 * 1024
)

// notice is a frame the gateway sends to one client outside the message
// stream, e.g. when that client's own publish did not reach the bus.
type notice struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleWebSocket accepts a live duplex connection scoped to one room.
// Incoming text frames become publishes; outgoing frames are the session's
// replayed and live messages. Unknown rooms are rejected before upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room := chi.URLParam(r, "room")
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	sess, err := s.manager.Attach(ctx, room, username)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		slog.ErrorContext(ctx, "Attach failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "attach failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close()
		slog.WarnContext(ctx, "WebSocket upgrade failed", "room", room, "error", err)
		return
	}

	s.connGauge.Add(ctx, 1)
	slog.InfoContext(ctx, "Session attached", "room", room, "user", username, "session", sess.ID)

	// The request context carries trace context and the request id; it must
	// outlive the handler's deadline for the rest of the connection.
	connCtx := context.WithoutCancel(ctx)

	notices := make(chan notice, 4)
	go s.writePump(conn, sess, notices)
	// Join is published after the session is registered, so the joining
	// client sees its own join event right after its replay.
	if _, err := s.manager.PublishSystem(connCtx, room, username, message.EventJoin); err != nil {
		slog.WarnContext(ctx, "Join event publish failed", "room", room, "error", err)
	}
	s.readPump(connCtx, conn, sess, notices)

	// readPump returned: the client is gone or the session was detached.
	// The leave event goes out while this session still holds the bridge
	// resident, so it cannot recreate a bridge that idle teardown would
	// retire on the detach below.
	if _, err := s.manager.PublishSystem(connCtx, room, username, message.EventLeave); err != nil {
		slog.Warn("Leave event publish failed", "room", room, "error", err)
	}
	sess.Close()
	conn.Close()
	s.connGauge.Add(connCtx, -1)
	slog.Info("Session detached", "room", room, "user", username, "session", sess.ID)
}

// writePump owns all writes to the socket: the replay snapshot first, then
// live messages and notices until the session is detached.
func (s *Server) writePump(conn *websocket.Conn, sess *bridge.Session, notices <-chan notice) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	writeFrame := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Warn("Frame encode failed", "error", err)
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		return true
	}

	for _, m := range sess.Replay() {
		if !writeFrame(m) {
			conn.Close()
			return
		}
	}

	for {
		select {
		case <-sess.Done():
			// Detached by the bridge (slow consumer or shutdown); closing
			// the socket unblocks the read pump.
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "detached"))
			conn.Close()
			return
		case m := <-sess.Outbound():
			if !writeFrame(m) {
				conn.Close()
				return
			}
		case n := <-notices:
			if !writeFrame(n) {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// readPump turns inbound text frames into publishes. Errors here are
// isolated to this session: malformed frames are dropped, a failed bus
// publish is reported back to this client only.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *bridge.Session, notices chan<- notice) {
	conn.SetReadLimit(maxInbound)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if _, err := sess.Publish(ctx, text); err != nil {
			if errors.Is(err, bridge.ErrPublishFailed) {
				// Local fan-out already happened; tell the sender the
				// message may not have reached the persistence path.
				select {
				case notices <- notice{Type: "error", Error: "message delivered locally but not confirmed by the bus"}:
				default:
				}
				continue
			}
			return
		}
	}
}

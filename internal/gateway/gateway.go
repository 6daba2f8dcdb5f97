// Package gateway terminates client connections: the WebSocket endpoint that
// attaches sessions to room bridges, and the read-only HTTP surface for room
// listing and paged history.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chatroom/internal/bridge"
	"github.com/example/nats-chatroom/internal/config"
	"github.com/example/nats-chatroom/internal/history"
	"github.com/example/nats-chatroom/internal/message"
	"github.com/example/nats-chatroom/internal/otelx"
	"github.com/example/nats-chatroom/internal/rooms"
)

type Server struct {
	manager  *bridge.Manager
	registry rooms.Registry
	store    *history.Store
	cfg      config.Gateway
	upgrader websocket.Upgrader

	connGauge       metric.Int64UpDownCounter
	historyCounter  metric.Int64Counter
	historyDuration metric.Float64Histogram
}

func NewServer(manager *bridge.Manager, registry rooms.Registry, store *history.Store, cfg config.Gateway) *Server {
	meter := otel.Meter("chat-gateway")
	connGauge, _ := meter.Int64UpDownCounter("gateway_open_connections",
		metric.WithDescription("WebSocket connections currently open"))
	historyCounter, _ := meter.Int64Counter("gateway_history_requests_total",
		metric.WithDescription("Paged history requests served"))
	historyDuration, _ := otelx.NewDurationHistogram(meter, "gateway_history_request_duration_seconds",
		"Paged history request duration")
	return &Server{
		manager:  manager,
		registry: registry,
		store:    store,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connGauge:       connGauge,
		historyCounter:  historyCounter,
		historyDuration: historyDuration,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/rooms", s.handleListRooms)
	r.Post("/api/rooms", s.handleCreateRoom)
	r.Get("/api/rooms/{room}/messages", s.handleHistory)
	r.Get("/ws/{room}", s.handleWebSocket)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "List rooms failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	if list == nil {
		list = []rooms.Room{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.ID
	}
	room, err := s.registry.Create(r.Context(), req.ID, req.DisplayName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// handleHistory serves a page of a room's history. Pages are selected newest
// backwards, optionally bounded by ?before=<sequence>, and each page's
// contents are returned oldest-first, so a client renders pages by
// prepending them. Served from the replay ring when the newest page fits,
// from the durable log otherwise.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room := chi.URLParam(r, "room")
	if _, err := s.registry.Room(ctx, room); err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		slog.ErrorContext(ctx, "Registry lookup failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}

	limit := s.cfg.HistoryPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}
	var before uint64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = n
	}

	start := time.Now()
	page, err := s.store.Page(room, limit, before)
	if err != nil {
		slog.ErrorContext(ctx, "History read failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	attrs := metric.WithAttributes(attribute.String("room", room))
	s.historyCounter.Add(ctx, 1, attrs)
	s.historyDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if page == nil {
		page = []message.Message{}
	}
	type response struct {
		Messages []message.Message `json:"messages"`
		HasMore  bool              `json:"hasMore"`
	}
	// The page reaches back to sequence 1 only when the log holds nothing
	// older than its first entry.
	hasMore := len(page) > 0 && page[0].Sequence > 1
	writeJSON(w, http.StatusOK, response{Messages: page, HasMore: hasMore})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

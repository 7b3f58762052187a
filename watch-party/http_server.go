package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/syncflix/watch-party/room"
)

const maxBodyBytes = 4 << 10

// HTTPServer wires HTTP routes to the room manager.
type HTTPServer struct {
	mgr      *room.Manager
	archive  *room.Archive
	metrics  http.Handler
	upgrader websocket.Upgrader

	httpLimiter     *ipLimiter
	eventsPerSecond float64
}

type ServerOptions struct {
	// Archive serves transcripts when set.
	Archive *room.Archive
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// HTTPRequestsPerSecond limits create/join calls per client address; 0 disables.
	HTTPRequestsPerSecond float64
	// EventsPerSecond limits inbound websocket events per connection; 0 disables.
	EventsPerSecond float64
}

func NewHTTPServer(mgr *room.Manager, opts ServerOptions) *HTTPServer {
	return &HTTPServer{
		mgr:     mgr,
		archive: opts.Archive,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		httpLimiter:     newIPLimiter(opts.HTTPRequestsPerSecond),
		eventsPerSecond: opts.EventsPerSecond,
	}
}

// Router exposes the handler used for both the relay listener and the local port.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.httpLimiter.Middleware)
		r.Post("/create-room", s.handleCreateRoom)
		r.Post("/join-room", s.handleJoinRoom)
	})
	r.Get("/validate-room/{code}", s.handleValidateRoom)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", s.handleListRooms)
		r.Get("/{code}/transcript", s.handleTranscript)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

type roomRequest struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	code, err := s.mgr.Create(req.Room)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, room.ErrMalformedEvent) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "room": code})
}

func (s *HTTPServer) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	err := s.mgr.Join(req.Room, req.Username)
	switch {
	case errors.Is(err, room.ErrMalformedEvent):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false})
	case errors.Is(err, room.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "room": room.NormalizeCode(req.Room)})
	}
}

func (s *HTTPServer) handleValidateRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"valid": s.mgr.Exists(chi.URLParam(r, "code"))})
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.mgr.Rooms(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	msgs, err := s.archive.Transcript(chi.URLParam(r, "code"), limit)
	if err != nil {
		log.Error().Err(err).Msg("[syncflix] read transcript")
		http.Error(w, "transcript unavailable", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []room.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleWebSocket upgrades the connection. Clients join with a join-room
// event; ?room= (and optionally ?username=) joins right away.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("upgrade websocket")
		return
	}

	var limiter *rate.Limiter
	if s.eventsPerSecond > 0 {
		limiter = newEventLimiter(s.eventsPerSecond)
	}
	client := NewClient(conn, s.mgr, limiter)
	log.Debug().Str("conn", client.ID()).Str("remote", r.RemoteAddr).Msg("websocket connected")

	if code := r.URL.Query().Get("room"); code != "" {
		if err := s.mgr.Attach(r.Context(), code, client, r.URL.Query().Get("username")); err != nil {
			client.Push(room.ErrorEvent(err))
		}
	}

	go client.writeLoop()
	client.readLoop(r.Context())
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

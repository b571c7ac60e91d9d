package httpremote

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/message"
)

// Server exposes a serverLog over HTTP (push/pull) and WebSocket (live
// tail). It is the collaborator a remote talon-sync node's Client talks to.
type Server struct {
	log    *serverLog
	hub    *hub
	logger *zap.Logger

	upgrader websocket.Upgrader
}

// NewServer constructs a Server. Call Router to obtain the http.Handler to
// serve.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:    newServerLog(),
		hub:    newHub(logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Single-tenant sync daemon, not a public-facing service;
			// origin checking is the integrator's reverse proxy's job.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the mux.Router serving this Server's endpoints.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/messages", s.handleFetchSince).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/batch", s.handleSendBatch).Methods(http.MethodPost)
	r.HandleFunc("/tail", s.handleTail).Methods(http.MethodGet)
	return r
}

func (s *Server) handleFetchSince(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	clientID := r.URL.Query().Get("client_id")

	messages := s.log.since(cursor, userID, clientID)
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = toWire(m)
	}

	writeJSON(w, http.StatusOK, wire)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var wm wireMessage
	if err := json.NewDecoder(r.Body).Decode(&wm); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	stamped, accepted := s.log.append(fromWire(wm))
	if accepted {
		s.hub.broadcast([]message.Message{stamped})
	}
	writeJSON(w, http.StatusOK, sendResponse{Accepted: accepted})
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var wms []wireMessage
	if err := json.NewDecoder(r.Body).Decode(&wms); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	accepted := make([]string, 0, len(wms))
	stamped := make([]message.Message, 0, len(wms))
	for _, wm := range wms {
		m, ok := s.log.append(fromWire(wm))
		if ok {
			accepted = append(accepted, m.ID)
			stamped = append(stamped, m)
		}
	}
	if len(stamped) > 0 {
		s.hub.broadcast(stamped)
	}
	writeJSON(w, http.StatusOK, batchResponse{Accepted: accepted})
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	clientID := r.URL.Query().Get("client_id")
	cursor, err := parseCursor(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tail: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id, send := s.hub.register(userID, clientID)
	defer s.hub.unregister(id)

	// Replay since cursor before switching to live delivery, so a
	// reconnect never loses a message.
	if backlog := s.log.since(cursor, userID, clientID); len(backlog) > 0 {
		if err := conn.WriteJSON(toWireBatch(backlog)); err != nil {
			return
		}
	}

	for batch := range send {
		if err := conn.WriteJSON(toWireBatch(batch)); err != nil {
			return
		}
	}
}

func toWireBatch(batch []message.Message) []wireMessage {
	out := make([]wireMessage, len(batch))
	for i, m := range batch {
		out[i] = toWire(m)
	}
	return out
}

func parseCursor(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

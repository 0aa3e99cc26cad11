// Package realtime serves the chat WebSocket and the REST API around it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/protocol"
	"chatrelay/internal/session"
	"chatrelay/internal/transcript"
	"chatrelay/internal/workspace"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// TranscriptReader lists recorded turns for a session.
type TranscriptReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]transcript.Turn, error)
}

// Options wires a Server to its collaborators. Transcript and StaticDir are
// optional.
type Options struct {
	Sessions   *session.Manager
	Workspace  *workspace.Provider
	Models     *models.Registry
	Transcript TranscriptReader
	StaticDir  string
	Logger     *zap.Logger
}

// Server bridges WebSocket connections to session orchestrators. Each
// connection owns exactly one session.
type Server struct {
	sessions   *session.Manager
	workspace  *workspace.Provider
	models     *models.Registry
	transcript TranscriptReader
	staticDir  string
	logger     *zap.Logger
}

type client struct {
	conn      *websocket.Conn
	orch      *session.Orchestrator
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// New creates a new realtime server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions:   opts.Sessions,
		workspace:  opts.Workspace,
		models:     opts.Models,
		transcript: opts.Transcript,
		staticDir:  opts.StaticDir,
		logger:     logger.With(zap.String("component", "realtime")),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/chat/{id}", s.handleWebSocket)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/info", s.handleSessionInfo)
	mux.HandleFunc("GET /api/sessions/{id}/turns", s.handleSessionTurns)
	// Singular forms used by the web client.
	mux.HandleFunc("GET /api/session/{id}/info", s.handleSessionInfo)
	mux.HandleFunc("PATCH /api/session/{id}", s.handleRenameSession)

	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("POST /api/models", s.handleSetDefaultModel)

	mux.HandleFunc("GET /api/workspace", s.handleGetWorkspace)
	mux.HandleFunc("PUT /api/workspace", s.handleSetWorkspace)

	mux.HandleFunc("GET /api/context", s.handleContext)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket attaches a new connection to the session named in the
// path, creating the session on first use.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	orch, created, err := s.sessions.GetOrCreate(id)
	if err != nil {
		s.logger.Warn("websocket session unavailable", zap.String("session_id", id), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	c := &client{
		orch:   orch,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: s.logger.With(zap.String("session_id", id)),
	}
	if err := orch.Attach(c.deliver); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		if created {
			s.sessions.Remove(orch)
		} else {
			orch.Detach()
		}
		return
	}
	c.conn = conn
	c.logger.Info("client connected", zap.Bool("new_session", created))

	go c.writePump()
	go s.readPump(c)
}

// readPump reads frames from the connection until it fails, then tears the
// session down.
func (s *Server) readPump(c *client) {
	defer s.removeClient(c)

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.handleFrame(raw)
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// removeClient deletes the connection's session, which detaches it and
// terminates any running agent process.
func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() { close(c.closed) })
	c.conn.Close()

	// Unregister before closing: a reconnect either finds this session still
	// attached or gets a fresh one.
	s.sessions.Remove(c.orch)
	c.logger.Info("client disconnected")
}

// handleFrame dispatches one validated client frame.
func (c *client) handleFrame(raw []byte) {
	frame, err := protocol.ValidateClientFrame(raw)
	if err != nil {
		c.sendFrame(protocol.NewError(err.Error()))
		return
	}

	switch frame.Type {
	case protocol.TypeMessage:
		err := c.orch.HandleMessage(frame.Content, frame.AttachmentIDs)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrTurnInProgress):
			// The running turn keeps the connection; the extra message is dropped.
			c.logger.Debug("message ignored while streaming")
		default:
			c.sendFrame(protocol.NewError(err.Error()))
		}
	case protocol.TypeCancel:
		if !c.orch.Cancel() {
			c.logger.Debug("cancel ignored while idle")
		}
	case protocol.TypeSetModel:
		if _, err := c.orch.SetModel(frame.Model); err != nil {
			c.logger.Debug("set_model rejected", zap.String("model", frame.Model), zap.Error(err))
		}
	}
}

// deliver is the session sink. It blocks until the frame is queued or the
// connection is gone, so a slow reader never loses frames mid-turn.
func (c *client) deliver(ev session.Event) {
	frame, ok := frameFor(ev)
	if !ok {
		return
	}
	c.sendFrame(frame)
}

func (c *client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	}
}

// frameFor converts a session event to its wire frame.
func frameFor(ev session.Event) (any, bool) {
	switch ev.Type {
	case session.EventUserMessage:
		return protocol.NewUserMessage(messagePayload(ev.Message)), true
	case session.EventStream:
		return protocol.NewStream(ev.Content), true
	case session.EventComplete:
		return protocol.NewComplete(messagePayload(ev.Message)), true
	case session.EventCancelled:
		return protocol.NewCancelled(), true
	case session.EventError:
		return protocol.NewError(ev.Error), true
	case session.EventModelSet:
		return protocol.NewModelSet(ev.Model), true
	}
	return nil, false
}

func messagePayload(m *session.Message) protocol.MessagePayload {
	if m == nil {
		return protocol.MessagePayload{}
	}
	return protocol.MessagePayload{
		ID:          m.ID,
		Role:        string(m.Role),
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		Attachments: m.Attachments,
	}
}

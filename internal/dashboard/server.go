// Package dashboard provides a real-time WebSocket server for sync status.
//
// The dashboard broadcasts sync progress, pending counts, connectivity
// changes, and pass summaries to connected WebSocket clients, and exposes a
// small JSON API for status and manual sync.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/fieldline/fieldsync/internal/daemon"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus is a full status snapshot, sent on connect
	MessageTypeStatus MessageType = "status"

	// MessageTypeProgress indicates the sync state machine moved
	MessageTypeProgress MessageType = "progress"

	// MessageTypePending indicates the dirty record count changed
	MessageTypePending MessageType = "pending"

	// MessageTypeConnectivity indicates the network came up or went down
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypePassComplete indicates a sync pass finished
	MessageTypePassComplete MessageType = "pass_complete"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData is the snapshot served by /api/status and sent on connect
type StatusData struct {
	OwnerID  string          `json:"owner_id,omitempty"`
	Progress daemon.Progress `json:"progress"`
	Pending  int             `json:"pending"`
	Online   bool            `json:"online"`
	Issue    bool            `json:"issue"`
}

// PendingData contains the dirty record count
type PendingData struct {
	Count int `json:"count"`
}

// ConnectivityData contains a connectivity change
type ConnectivityData struct {
	Online bool `json:"online"`
}

// PassCompleteData summarizes a finished pass
type PassCompleteData struct {
	Pushed    int           `json:"pushed"`
	Failed    int           `json:"failed"`
	Excluded  int           `json:"excluded"`
	Merged    int           `json:"merged"`
	Trimmed   int           `json:"trimmed"`
	PullError string        `json:"pull_error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Controller is the orchestrator surface the API reads and drives.
// *daemon.Daemon satisfies it.
type Controller interface {
	OwnerID() string
	Progress() daemon.Progress
	Online() bool
	PendingCount(ctx context.Context) (int, error)
	Trigger(reason daemon.Reason)
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr       string
	listener   net.Listener
	server     *http.Server
	controller Controller

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Logging
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080)
	Port int

	// Controller answers the status and sync API. When nil those routes
	// return 503.
	Controller Controller

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:       fmt.Sprintf(":%d", config.Port),
		controller: config.Controller,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 100),
		ctx:        ctx,
		cancel:     cancel,
		logger:     config.Logger,
	}
}

// SetController attaches the controller after construction, for when the
// controller itself needs the server's Handler as its listener. Call it
// before Start.
func (s *Server) SetController(c Controller) {
	s.controller = c
}

// Routes returns the HTTP handler for all dashboard endpoints.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.GetAddr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("WARNING: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot stall registration.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// Send the snapshot before registering so it is always the first frame.
	welcome, err := newMessage(MessageTypeStatus, s.status(r.Context()))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		data, _ := json.Marshal(welcome)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// status builds a snapshot from the controller.
func (s *Server) status(ctx context.Context) StatusData {
	if s.controller == nil {
		return StatusData{Progress: daemon.Idle()}
	}

	st := StatusData{
		OwnerID:  s.controller.OwnerID(),
		Progress: s.controller.Progress(),
		Online:   s.controller.Online(),
	}
	if n, err := s.controller.PendingCount(ctx); err == nil {
		st.Pending = n
	} else {
		s.logger.Printf("Failed to count pending records: %v", err)
	}
	st.Issue = st.Progress.HasIssue() || st.Pending > 0
	return st
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStatus returns the current sync status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no sync daemon attached"})
		return
	}
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

// handleSync requests a manual pass. It answers 202 when the request was
// queued and 409 when a pass is already running.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no sync daemon attached"})
		return
	}
	if s.controller.Progress().State == daemon.StateInProgress {
		writeJSON(w, http.StatusConflict, map[string]string{"error": daemon.ErrSyncInProgress.Error()})
		return
	}
	if !s.controller.Online() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": daemon.ErrOffline.Error()})
		return
	}

	s.controller.Trigger(daemon.ReasonManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>fieldsync Dashboard</title>
</head>
<body>
    <h1>fieldsync Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/api/status">/api/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>POST /api/sync to request a sync pass.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newMessage(typ MessageType, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

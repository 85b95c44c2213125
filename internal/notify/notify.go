// Package notify pushes sync events to interested local clients.
//
// The daemon owns the flush; CLI invocations and any status UI are
// separate processes. A small WebSocket server broadcasts queue events so
// those processes can re-fetch authoritative state the moment a batch is
// confirmed, instead of polling. Events carry counts only, never record
// payloads: receivers always go back to the server for truth.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType identifies a broadcast sync event.
type EventType string

const (
	// EventQueueProcessed fires after a successful non-empty flush.
	EventQueueProcessed EventType = "queue_processed"

	// EventQueueChanged fires when records are enqueued or the pending
	// count otherwise changes.
	EventQueueChanged EventType = "queue_changed"

	// EventConnectivity fires on an online/offline transition.
	EventConnectivity EventType = "connectivity"
)

// Event is one broadcast message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueueProcessedData reports a confirmed flush.
type QueueProcessedData struct {
	Delivered int `json:"delivered"`
}

// QueueChangedData reports the new pending count.
type QueueChangedData struct {
	Pending int `json:"pending"`
}

// ConnectivityData reports the new connectivity state.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Server broadcasts sync events to connected WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds notify server configuration.
type Config struct {
	// Port to listen on. Port 0 picks a free port; read it back with
	// Addr after Start.
	Port int

	// Logger for connection activity (default: stderr logger).
	Logger *log.Logger
}

// NewServer creates a notify server. It does not listen until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and serving WebSocket upgrades on /events.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWebSocket)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Notify server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Notify server error: %v", err)
		}
	}()

	return nil
}

// Stop closes all client connections and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("notify server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listening address, usable after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// QueueProcessed broadcasts a confirmed-flush event.
func (s *Server) QueueProcessed(delivered int) {
	data, _ := json.Marshal(QueueProcessedData{Delivered: delivered})
	s.publish(Event{Type: EventQueueProcessed, Data: data})
}

// QueueChanged broadcasts the new pending count.
func (s *Server) QueueChanged(pending int) {
	data, _ := json.Marshal(QueueChangedData{Pending: pending})
	s.publish(Event{Type: EventQueueChanged, Data: data})
}

// Connectivity broadcasts an online/offline transition.
func (s *Server) Connectivity(online bool) {
	data, _ := json.Marshal(ConnectivityData{Online: online})
	s.publish(Event{Type: EventConnectivity, Data: data})
}

func (s *Server) publish(ev Event) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// block new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Notify client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop drains client frames until disconnect. Clients never send
// meaningful data; the read detects the close.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Notify client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

// Package events streams ingestion activity to WebSocket clients.
//
// The Hub is mounted on the API router at /ws. The ingestion loop reports
// through a Handler, which formats cycle events as messages and hands them
// to the Hub for broadcasting.
package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of event message
type MessageType string

const (
	// MessageTypeConnected is sent to each client right after it connects
	MessageTypeConnected MessageType = "connected"

	// MessageTypeCycleStarted indicates an ingestion cycle began
	MessageTypeCycleStarted MessageType = "cycle_started"

	// MessageTypeDownloadComplete indicates the fetch step finished
	MessageTypeDownloadComplete MessageType = "download_complete"

	// MessageTypeSyncProgress is sent periodically while records are applied
	MessageTypeSyncProgress MessageType = "sync_progress"

	// MessageTypeSyncComplete indicates a sync committed or had nothing to do
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncFailed indicates a cycle failed or was cancelled
	MessageTypeSyncFailed MessageType = "sync_failed"
)

// Message represents an event broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds hub configuration
type Config struct {
	// BufferSize is the number of messages queued before new ones are dropped
	BufferSize int

	// WriteTimeout bounds each write to a client
	WriteTimeout time.Duration

	// Logger for hub activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BufferSize:   100,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[events] ", log.LstdFlags),
	}
}

// Hub manages WebSocket clients and broadcasts messages to them
type Hub struct {
	config *Config

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start before broadcasting.
func NewHub(config *Config) *Hub {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		config:    config,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop disconnects every client and waits for the broadcast loop to exit.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Broadcast queues a message for all connected clients. It never blocks;
// messages are dropped when the queue is full.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
		return
	default:
		h.config.Logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// Publish marshals data and broadcasts it as a message of type t.
func (h *Hub) Publish(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.config.Logger.Printf("Failed to marshal %s message: %v", t, err)
		return
	}
	h.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: raw})
}

// broadcastLoop handles message broadcasting to all clients
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.config.Logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			// Send outside the read lock so a slow client can't block registration
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.config.Logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.config.Logger.Printf("Client connected (total: %d)", clientCount)

	welcome, _ := json.Marshal(Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now(),
	})
	ctx, cancel := context.WithTimeout(r.Context(), h.config.WriteTimeout)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	// Reading keeps the connection alive and notices disconnects
	go h.readLoop(conn)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.config.Logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/config"
)

// Event types that originate in the hub itself
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	clientBuffer   = 32
)

// Event is a live event pushed to every connected client
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// Client is one websocket connection
type Client struct {
	ID       string
	conn     *websocket.Conn
	messages chan []byte
}

// Hub fans events out to websocket clients
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub creates a hub and starts its dispatch loop
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 100),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// API key auth happens before the upgrade; browsers on other origins are allowed
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	heartbeat := time.NewTicker(config.GetTimeouts().WebSocketPing)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.messages)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			log.Debug().Msg("Websocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Str("client_id", c.ID).Int("total_clients", total).Msg("Websocket client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.messages)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Str("client_id", c.ID).Int("total_clients", total).Msg("Websocket client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("event_type", event.Type).Msg("Failed to marshal websocket event")
				continue
			}
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.messages <- data:
				default:
					log.Warn().Str("client_id", c.ID).Msg("Websocket client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.Broadcast(EventHeartbeat, map[string]any{"clients": h.ClientCount()})
		}
	}
}

// Broadcast queues an event for every client. Events are dropped when the hub is saturated.
func (h *Hub) Broadcast(eventType string, data any) {
	select {
	case h.broadcast <- Event{Type: eventType, Data: data, Time: time.Now()}:
	default:
		log.Warn().Str("event_type", eventType).Msg("Websocket broadcast channel full, dropping event")
	}
}

// Stop disconnects every client and ends the dispatch loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until either side closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &Client{
		ID:       uuid.NewString(),
		conn:     conn,
		messages: make(chan []byte, clientBuffer),
	}

	// Queued before registration, the hub owns the channel afterwards
	hello, _ := json.Marshal(Event{Type: EventConnected, Data: map[string]any{"client_id": c.ID}, Time: time.Now()})
	c.messages <- hello

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.readPump(c)
	h.writePump(c)
}

// readPump consumes client frames so that pongs and close frames are processed
func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	ping := config.GetTimeouts().WebSocketPing
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * ping))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * ping))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("Websocket read failed")
			}
			return
		}
	}
}

// writePump sends queued messages and keepalive pings
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(config.GetTimeouts().WebSocketPing)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.messages:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package notify streams accepted graph events to websocket subscribers so
// external tools can tail a user's mutation ledger live.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/scrypster/mnemo/pkg/types"
)

const clientSendBuffer = 256

// Hub fans accepted events out to connected websocket clients. Slow clients
// are disconnected rather than allowed to block the broadcast path; the tail
// is a best-effort mirror of the log, never its source of truth.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan types.Event
	register   chan *client
	unregister chan *client
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// NewHub creates a hub. Call Run in a goroutine and Stop on shutdown.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan types.Event, clientSendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("notify: tail client connected (total: %d)", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("notify: tail client disconnected (total: %d)", total)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("notify: failed to marshal event seq %d: %v", ev.Seq, err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != "" && c.userID != ev.UserID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow client; drop it so the tail never backpressures.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and closes every client.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
}

// Publish queues an event for broadcast. Non-blocking; a full queue drops
// the event from the tail only, never from the log.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("notify: tail queue full, dropping event seq %d", ev.Seq)
	}
}

// ServeHTTP upgrades the request to a websocket tail. An optional ?user_id=
// query parameter filters the stream to one user.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("notify: websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		userID: r.URL.Query().Get("user_id"),
	}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) writePump() {
	defer func() {
		c.unregister()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}

// unregister hands the client back to Run. After Stop nobody is receiving,
// so the send must also watch the hub context or the pump blocks forever.
func (c *client) unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.ctx.Done():
	}
}

// readPump drains client messages to detect disconnects.
func (c *client) readPump() {
	defer func() {
		c.unregister()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

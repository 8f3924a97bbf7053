package console

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/janelia-flyem/ngstream/ngstream"
)

const (
	// pingInterval is how often we ping idle websocket clients.
	pingInterval = 30 * time.Second

	// pongWait is how long we wait for a pong before dropping the client.
	pongWait = 60 * time.Second

	// writeTimeout bounds each websocket write.
	writeTimeout = 10 * time.Second
)

// wsClient is one connected websocket consumer of the lifecycle stream.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *eventHub
}

// eventHub fans chunk lifecycle events out to websocket clients.  A slow
// client whose send buffer fills is dropped rather than stalling the others.
type eventHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	quit       chan struct{}
	mu         sync.RWMutex
}

func newEventHub() *eventHub {
	return &eventHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		quit:       make(chan struct{}),
	}
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			ngstream.Debugf("websocket client registered, %d active\n", h.numClients())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, found := h.clients[client]; found {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) numClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// publish queues a message for broadcast without blocking the caller.
func (h *eventHub) publish(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		ngstream.Debugf("websocket broadcast buffer full; event dropped\n")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The console is already served with a wildcard CORS policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWS upgrades an HTTP request and attaches the client to the hub.
func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ngstream.Errorf("websocket upgrade failed: %v\n", err)
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump discards client messages, keeping the read side alive so pongs
// and close frames are processed.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ngstream.Debugf("websocket read error: %v\n", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

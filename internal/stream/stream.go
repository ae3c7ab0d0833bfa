// Package stream pushes engine events to dashboard websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/position"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	clientBuf  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	send      chan []byte
	accountID string
}

// Hub fans bus events out to connected clients. A client that cannot keep
// up misses messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Run forwards events until ctx is done or the channel closes.
func (h *Hub) Run(ctx context.Context, events <-chan *event.Event) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.Broadcast(e)
		}
	}
}

// Broadcast delivers e to every client interested in it.
func (h *Hub) Broadcast(e *event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("component", "stream").Msg("encode event")
		return
	}
	account := accountOf(e)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.accountID != "" && account != "" && c.accountID != account {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func accountOf(e *event.Event) string {
	switch d := e.Data.(type) {
	case position.Update:
		return d.AccountID
	case *position.Update:
		return d.AccountID
	}
	return ""
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Handler upgrades the request. ?account_id= limits position updates to
// one account.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "stream").Msg("websocket upgrade failed")
			return
		}
		cl := &client{send: make(chan []byte, clientBuf), accountID: c.Query("account_id")}
		h.add(cl)
		go h.writePump(conn, cl)
		h.readPump(conn, cl)
	}
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(conn *websocket.Conn, cl *client) {
	defer func() {
		h.remove(cl)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package peer carries collaboration packets between sessions over
// websockets. A Hub relays every binary message from one peer to all
// others; a Client connects a session to a hub; a Link pumps encoded
// packets out and decodes incoming ones.
package peer

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 8 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub relays binary messages between connected peers. A peer that falls
// sendBuffer messages behind is disconnected.
type Hub struct {
	mu     sync.Mutex
	conns  map[*hubConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubConn) shut() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*hubConn]struct{})}
}

// Peers is the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and relays until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		opsf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := &hubConn{ws: ws, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	diagf("peer %s joined", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.shut()
	h.wg.Done()
	diagf("peer %s left", r.RemoteAddr)
}

func (h *Hub) readLoop(c *hubConn) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				opsf("read: %v", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		h.broadcast(c, msg)
	}
}

func (h *Hub) broadcast(from *hubConn, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c == from {
			continue
		}
		select {
		case c.send <- msg:
		default:
			opsf("dropping slow peer %s", c.ws.RemoteAddr())
			delete(h.conns, c)
			c.shut()
		}
	}
	tracef("relayed %d bytes to %d peers", len(msg), len(h.conns)-1)
}

func (h *Hub) writeLoop(c *hubConn) {
	defer c.ws.Close()
	for msg := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			opsf("write: %v", err)
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.conns {
		c.shut()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

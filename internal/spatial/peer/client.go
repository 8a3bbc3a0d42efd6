package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/spatial.session/internal/spatial/collab"
)

// Client is one session's connection to a Hub.
type Client struct {
	ws *websocket.Conn

	wmu sync.Mutex // serializes writes
}

// Dial connects to the hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageSize)
	return &Client{ws: ws}, nil
}

// Send writes p to the hub.
func (c *Client) Send(p *collab.Packet) error {
	b := collab.Marshal(p)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("send packet %s/%d: %w", p.OriginID, p.Sequence, err)
	}
	return nil
}

// Receive delivers each packet from the hub to handle until the connection
// closes or ctx is done. Malformed packets are logged and skipped.
func (c *Client) Receive(ctx context.Context, handle func(*collab.Packet)) error {
	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		p, err := collab.Unmarshal(msg)
		if err != nil {
			opsf("skipping packet: %v", err)
			continue
		}
		handle(p)
	}
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}

package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"presence-chat/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 8192
)

// Client is one websocket connection. The read pump feeds commands to its
// Session; the write pump drains frames the Session emits.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *Session

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// emit queues a frame. It blocks while the buffer is full and gives up once
// the client is closed.
func (c *Client) emit(f outFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		glog.Errorf("[gateway] marshal %s: %v", f.Type, err)
		return
	}
	select {
	case c.send <- b:
		metrics.GatewayFrames.WithLabelValues("out", f.Type).Inc()
	case <-c.ctx.Done():
	}
}

func (c *Client) close() {
	c.closeOnce.Do(c.cancel)
}

// readPump reads commands until the connection drops. Losing the connection
// for any reason disconnects the store session.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.Unregister(c)
		c.conn.Close()
		c.session.Close()
		c.hub.live.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	closing := false
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				glog.Warningf("[gateway] %s: %v", c.session.email, err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.emit(outFrame{Type: "error", Payload: errorPayload{Code: "bad_frame", Message: err.Error()}})
			continue
		}
		metrics.GatewayFrames.WithLabelValues("in", frameLabel(f.Type)).Inc()
		if closing {
			continue
		}
		if stop := c.session.Handle(c.ctx, f); stop {
			// let the write pump flush and close; the read fails after that
			closing = true
			c.close()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain writes frames the session queued before the client closed.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// frameLabel bounds the metric label set to known commands.
func frameLabel(typ string) string {
	if _, ok := handlers[typ]; ok || typ == "logout" {
		return typ
	}
	return "unknown"
}

package server

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// client is one WebSocket connection. The send channel is closed only by
// the synchronizer goroutine; the closed flag is owned by it too.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	log    *zap.Logger
	closed bool
}

func newClient(conn *websocket.Conn, log *zap.Logger) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  log,
	}
}

// enqueue hands a pre-marshalled frame to the write pump. A slow consumer
// loses the frame rather than blocking the synchronizer.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame")
	}
}

// readPump forwards inbound frames to the synchronizer and reports the
// disconnect when the connection dies.
func (c *client) readPump(s *Server) {
	defer func() {
		// A stopped synchronizer no longer drains intents.
		select {
		case s.intents <- intent{kind: intentDisconnect, c: c}:
		case <-s.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		if frame.Type == "" {
			continue
		}
		select {
		case s.intents <- intent{kind: intentFrame, c: c, frame: frame}:
		case <-s.done:
			return
		}
	}
}

// writePump drains the send channel. When the synchronizer closes the
// channel the pump writes a close message and drops the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

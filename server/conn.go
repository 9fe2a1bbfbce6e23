package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
	"hybrid-chat/configs"
)

// conn owns one websocket. Frames are written only by writePump, so a slow
// reader stalls its own queue and nothing else.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan common.Envelope
	done   chan struct{}
	once   sync.Once
	logger *logrus.Logger
}

var _ Peer = (*conn)(nil)

func newConn(ws *websocket.Conn, logger *logrus.Logger) *conn {
	return &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan common.Envelope, configs.SendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(e common.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- e:
		return true
	default:
		c.logger.Warnf("Send queue full on connection %s, dropping %s", c.id, e.Kind())
		return false
	}
}

func (c *conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump decodes frames and submits them until the socket fails. Malformed
// frames are logged and skipped.
func (c *conn) readPump(d *Dispatcher) {
	defer func() {
		d.Disconnected(c)
		c.Close()
	}()

	c.ws.SetReadLimit(configs.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(configs.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(configs.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Errorf("Error reading from connection %s: %v", c.id, err)
			}
			return
		}

		env, err := common.Decode(data)
		if err != nil {
			c.logger.Warnf("Ignoring frame from connection %s: %v", c.id, err)
			continue
		}
		if !d.Submit(c, env) {
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(configs.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case e := <-c.send:
			data, err := common.Encode(e)
			if err != nil {
				c.logger.Errorf("Error encoding %s for connection %s: %v", e.Kind(), c.id, err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(configs.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Errorf("Error writing to connection %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(configs.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(configs.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

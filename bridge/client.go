package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"murmur/log"
)

type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func (c *client) queue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.srv.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("bridge read: %v", err)
			}
			return
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(message, &req); err != nil {
			resp = Response{Error: "invalid request: " + err.Error()}
		} else {
			resp = c.srv.handle(context.Background(), req)
		}
		data, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("bridge encode: %v", err)
			continue
		}
		if !c.queue(data) {
			log.Warnf("bridge client %s too slow, dropping", c.conn.RemoteAddr())
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				log.Warnf("bridge write: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			if !c.flush() {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever was queued before the client was closed.
func (c *client) flush() bool {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				log.Warnf("bridge write: %v", err)
				return false
			}
		default:
			return true
		}
	}
}

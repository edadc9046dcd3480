package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/client"
	"vigil/internal/logging"
)

const writeDeadline = 10 * time.Second

// connection binds one websocket to a client. The reader goroutine parses
// command arrays and dispatches them; the writer drains the client's
// outbound queue whenever it is woken. Unilateral subscription pushes
// share the queue with command replies, so ordering between a subscribe
// reply and its initial payload is preserved.
type connection struct {
	server *Server
	ws     *websocket.Conn
	client *client.Client

	logStreamMu     sync.Mutex
	cancelLogStream func()
}

func (s *Server) serveConn(ws *websocket.Conn) {
	conn := &connection{
		server: s,
		ws:     ws,
		client: client.New(s.logger),
	}
	s.logger.Debug("client connected", map[string]string{
		"client": conn.client.ID(),
		"remote": ws.RemoteAddr().String(),
	})

	done := make(chan struct{})
	go conn.writeLoop(done)

	conn.readLoop()

	// Reader is gone. Vacate the weak handle and tear down subscriptions
	// before stopping the writer so in-flight dispatches become no-ops.
	conn.client.Close()
	conn.stopLogStream()
	close(done)
	_ = ws.Close()

	s.logger.Debug("client disconnected", map[string]string{
		"client": conn.client.ID(),
	})
}

func (c *connection) readLoop() {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Warn("websocket read failed", map[string]string{
					"client": c.client.ID(),
					"error":  err.Error(),
				})
			}
			return
		}

		var args []any
		if err := json.Unmarshal(payload, &args); err != nil {
			c.sendError("malformed command: %v", err)
			continue
		}
		c.server.dispatchCommand(c, args)
	}
}

// writeLoop flushes the client queue on every wake. A final drain after
// done keeps nothing stranded when the reader exits between a wake and a
// close.
func (c *connection) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-c.client.WakeChan():
			if !c.flush() {
				return
			}
		case <-done:
			c.flush()
			return
		}
	}
}

func (c *connection) flush() bool {
	for _, payload := range c.client.Drain() {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.ws.WriteJSON(payload); err != nil {
			c.server.logger.Debug("websocket write failed", map[string]string{
				"client": c.client.ID(),
				"error":  err.Error(),
			})
			return false
		}
	}
	return true
}

// streamLogs starts forwarding log entries at or above min to this client
// as unilateral payloads. The level is per connection; the daemon's own
// output threshold is untouched. Calling it again replaces the previous
// stream.
func (c *connection) streamLogs(min logging.Level) {
	entries, cancel := c.server.logger.Subscribe()

	c.logStreamMu.Lock()
	previous := c.cancelLogStream
	c.cancelLogStream = cancel
	c.logStreamMu.Unlock()
	if previous != nil {
		previous()
	}

	go func() {
		for entry := range entries {
			if !entry.Level.AtLeast(min) {
				continue
			}
			c.sendResponse(map[string]any{
				"log":        entry.String(),
				"level":      string(entry.Level),
				"unilateral": true,
			})
		}
	}()
}

func (c *connection) stopLogStream() {
	c.logStreamMu.Lock()
	cancel := c.cancelLogStream
	c.cancelLogStream = nil
	c.logStreamMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

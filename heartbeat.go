package corehub

import (
	"time"

	"github.com/gorilla/websocket"
)

// startHeartbeat wires the ping supervisor onto an open socket, sends the
// first ping immediately, and starts the ticker goroutine. Called once,
// right after the WebSocket upgrade succeeds, before the read loop starts.
// isAlive starts false: the immediate ping below is what the first tick's
// liveness check is waiting on a pong for.
func (c *Connection) startHeartbeat() {
	interval := c.opts.PingTimeout()
	if interval <= 0 {
		return
	}

	c.isAlive.Store(false)

	c.conn.SetPongHandler(func(string) error {
		c.isAlive.Store(true)
		return nil
	})

	if !c.sendPing(interval) {
		return
	}

	go c.heartbeatLoop(interval)
}

// sendPing writes a ping control frame, hard-terminating the socket on
// failure. Returns false if the write failed.
func (c *Connection) sendPing(interval time.Duration) bool {
	deadline := time.Now().Add(interval)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.logEntry("heartbeat").WithError(err).Warn("ping write failed, terminating socket")
		c.hardTerminate()
		return false
	}
	return true
}

// heartbeatLoop sends a ping on every tick and hard-terminates the socket
// if the previous ping went unanswered. A programmatic Disconnect closes
// the socket gracefully before this loop would ever observe a missed
// pong, via closeSuppressed; the loop itself never distinguishes the two,
// it only ever forces closed sockets that failed to respond.
func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if c.State() != StateConnected {
			return
		}

		if !c.isAlive.Swap(false) {
			c.logEntry("heartbeat").Warn("pong not received, terminating socket")
			c.hardTerminate()
			return
		}

		if !c.sendPing(interval) {
			return
		}
	}
}

// hardTerminate forces the socket closed without the close handshake
// gracefulClose performs. This unblocks ReadMessage in the read loop with
// an error, which drives the normal finalize() path.
func (c *Connection) hardTerminate() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

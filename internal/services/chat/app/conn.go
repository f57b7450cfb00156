package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/louisbranch/chatline/internal/platform/id"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
)

const closeWriteWait = time.Second

// wsConn adapts a gorilla connection to registry.Conn. Data frames are
// serialized by mu; control frames may be written concurrently.
type wsConn struct {
	id string
	ws *websocket.Conn

	// limiter bounds inbound frames; only the read loop uses it.
	limiter *rate.Limiter

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxFramePayloadBytes)
	return &wsConn{id: id.MustNewID(), ws: ws, limiter: newFrameLimiter()}
}

// newFrameLimiter allows maxFramesPerSecond sustained with an equal burst.
func newFrameLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
}

// Send writes one text frame. The context deadline becomes the write
// deadline.
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeouts.Send)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close ends the connection with a normal closure.
func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *wsConn) closeWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.closeErr = err
		}
		if err := c.ws.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// keepAlive pings until done closes or a ping fails, and extends the read
// deadline on every pong.
func (c *wsConn) keepAlive(done <-chan struct{}) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeouts.Pong))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeouts.Pong))
	})

	go func() {
		ticker := time.NewTicker(timeouts.Ping)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeouts.Send)); err != nil {
					return
				}
			}
		}
	}()
}

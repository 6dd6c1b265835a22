package ws

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mcoot/lobbymesh/internal/model"
)

var (
	// ErrConnClosed is returned by Send once the connection is closing
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when the client is not keeping up
	ErrSendQueueFull = errors.New("send queue full")

	errServerClosed = errors.New("closed by server")
)

// conn adapts a websocket to coordinator.Conn. Events are queued and written
// by a single writer goroutine, so Send never blocks on the network.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	send   chan model.Event
	closed bool
	reason string
}

func newConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan model.Event, buffer),
	}
}

func (c *conn) Send(ctx context.Context, ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- ev:
		return nil
	default:
		c.closeLocked("send queue full")
		return ErrSendQueueFull
	}
}

// Close stops accepting events. Anything already queued is still written
// before the websocket closes.
func (c *conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reason)
}

func (c *conn) closeLocked(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.send)
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.ws.Close(websocket.StatusNormalClosure, truncateReason(c.closeReason()))
				return errServerClosed
			}
			if err := c.write(ctx, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *conn) write(ctx context.Context, ev model.Event) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, c.ws, ev)
}

// pingLoop pings the client every interval and calls onPong after each
// answered ping
func (c *conn) pingLoop(ctx context.Context, interval time.Duration, onPong func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
			onPong(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close frame reasons are limited to 123 bytes
func truncateReason(reason string) string {
	return truncate(reason, 123)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

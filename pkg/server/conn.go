package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// wsConn adapts a websocket to registry.Conn. All writes happen on the
// goroutine running writeLoop.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	send         chan any
	closing      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	overflowed   atomic.Bool
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

func newWSConn(id string, ws *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *wsConn {
	if buffer <= 0 {
		buffer = 1
	}
	return &wsConn{
		id:           id,
		ws:           ws,
		send:         make(chan any, buffer),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues frame without blocking.
func (c *wsConn) Send(frame any) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closing:
		return ErrConnClosed
	default:
		c.overflowed.Store(true)
		return ErrSendQueueFull
	}
}

// closeCode is sent in the close frame. A client that fell behind is told
// to come back later.
func (c *wsConn) closeCode() int {
	if c.overflowed.Load() {
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}

// Close asks the writer to flush queued frames, send a close frame and
// release the socket. It does not wait; see Wait.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

// Wait blocks until the writer has released the socket.
func (c *wsConn) Wait() {
	<-c.done
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug("websocket write failed", "connection_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("websocket ping failed", "connection_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode(), ""),
				time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frame any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBackpressure = errors.New("transport: send buffer full")
	ErrClosed       = errors.New("transport: connection closed")
)

// WSConn is the part of *websocket.Conn the pumps use.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one browser connection. It satisfies presence.Handle.
type Conn struct {
	id     string
	userID string
	ws     WSConn
	send   chan []byte

	mu     sync.RWMutex
	closed bool
}

func newConn(userID string, ws WSConn, buffer int) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, buffer),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

// Send queues a frame without blocking. A slow reader gets ErrBackpressure
// instead of stalling the coordinator.
func (c *Conn) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
}

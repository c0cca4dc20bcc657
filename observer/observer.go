// Package observer holds the server side of one dashboard connection.
package observer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// Conn is an open observer channel. Outbound frames are queued on Send and
// written by a single pump goroutine, so frames reach the client in the
// order they were queued.
type Conn struct {
	id          string
	Conn        *websocket.Conn
	Send        chan []byte
	RemoteAddr  string
	ConnectedAt time.Time
	closed      atomic.Bool
	sent        atomic.Int64
	cancel      context.CancelFunc
}

func New(conn *websocket.Conn, sendBufSize int, cancel context.CancelFunc) *Conn {
	if sendBufSize <= 0 {
		sendBufSize = 64
	}
	return &Conn{
		id:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, sendBufSize),
		ConnectedAt: time.Now(),
		cancel:      cancel,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// SendRaw queues data without blocking. A full queue means the client is
// not keeping up and is reported as an error like any other failed send.
func (c *Conn) SendRaw(data []byte) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}

	// protect against send on closed channel race
	defer func() {
		if r := recover(); r != nil {
			err = ErrClosed
		}
	}()

	select {
	case c.Send <- data:
		c.sent.Add(1)
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Conn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.Send)
		if c.cancel != nil {
			c.cancel()
		}
		if c.Conn != nil {
			c.Conn.CloseNow()
		}
	}
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) SentCount() int64 {
	return c.sent.Load()
}

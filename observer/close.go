package observer

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/coder/websocket"
)

// IsExpectedClose reports whether err is an ordinary end of a websocket
// session rather than a fault worth logging.
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

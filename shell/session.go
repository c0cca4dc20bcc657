// Package shell bridges an operator's websocket to an interactive shell on
// a system under test. It is a raw passthrough terminal with no command
// filtering; expose it to trusted operators only.
package shell

import (
	"context"
	"io"
	"sync"
)

// Session is an open remote shell.
type Session struct {
	Stdin  io.Writer
	Stdout io.Reader

	closeOnce sync.Once
	closer    func() error
	err       error
}

func NewSession(stdin io.Writer, stdout io.Reader, closer func() error) *Session {
	return &Session{Stdin: stdin, Stdout: stdout, closer: closer}
}

// Close releases the remote session. It is safe to call more than once and
// unblocks a pending Stdout read.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.err = s.closer()
		}
	})
	return s.err
}

type Dialer interface {
	Dial(ctx context.Context) (*Session, error)
}

package shell

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stressmonitor/apperr"
	"stressmonitor/metrics"
	"stressmonitor/observer"
)

const readBufSize = 4096

// Relay connects one websocket client to one remote shell session per call
// to Serve.
type Relay struct {
	systemID string
	dialer   Dialer
}

func NewRelay(systemID string, d Dialer) *Relay {
	return &Relay{systemID: systemID, dialer: d}
}

func (r *Relay) SystemID() string { return r.systemID }

// Serve opens a shell and pumps bytes both ways until either side closes,
// then tears both down. A clean close on either side returns nil.
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn) error {
	logger := log.WithField("system", r.systemID)

	sess, err := r.dialer.Dial(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "shell unavailable")
		return apperr.Upstream(err, "open shell for "+r.systemID)
	}
	metrics.ShellOpened(r.systemID)
	defer metrics.ShellClosed(r.systemID)
	logger.Info("shell session opened")

	// The pumps use ctx, not gctx: a cancelled read context makes the
	// websocket library fail the connection instead of closing it cleanly.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.pumpOutput(ctx, sess, conn)
	})
	g.Go(func() error {
		return pumpInput(ctx, conn, sess)
	})

	// Either loop returning cancels gctx; closing both ends unblocks the other.
	go func() {
		<-gctx.Done()
		sess.Close()
		conn.Close(websocket.StatusNormalClosure, "shell closed")
	}()

	err = g.Wait()
	logger.WithError(err).Info("shell session closed")
	if observer.IsExpectedClose(err) {
		return nil
	}
	return err
}

func (r *Relay) pumpOutput(ctx context.Context, sess *Session, conn *websocket.Conn) error {
	buf := make([]byte, readBufSize)
	var carry []byte
	for {
		n, err := sess.Stdout.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			data, carry = splitIncompleteRune(data)
			if len(data) > 0 {
				if werr := conn.Write(ctx, websocket.MessageText, data); werr != nil {
					return errors.Wrap(werr, "write to client")
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return errors.Wrap(err, "read shell output")
		}
	}
}

func pumpInput(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if _, err := sess.Stdin.Write(data); err != nil {
			return errors.Wrap(err, "write shell input")
		}
	}
}

// splitIncompleteRune holds back a trailing partial UTF-8 sequence so text
// frames never split a character.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i], append([]byte(nil), b[len(b)-i:]...)
		}
		break
	}
	return b, nil
}

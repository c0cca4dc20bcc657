package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestIsExpectedClose(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":           {nil, true},
		"eof":           {fmt.Errorf("read frame: %w", io.EOF), true},
		"canceled":      {fmt.Errorf("read: %w", context.Canceled), true},
		"closed conn":   {fmt.Errorf("write: %w", net.ErrClosed), true},
		"reset":         {&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		"broken pipe":   {&net.OpError{Op: "write", Err: syscall.EPIPE}, true},
		"normal close":  {websocket.CloseError{Code: websocket.StatusNormalClosure}, true},
		"going away":    {websocket.CloseError{Code: websocket.StatusGoingAway}, true},
		"policy":        {websocket.CloseError{Code: websocket.StatusPolicyViolation}, false},
		"too big":       {websocket.CloseError{Code: websocket.StatusMessageTooBig}, false},
		"deadline":      {context.DeadlineExceeded, false},
		"arbitrary err": {errors.New("boom"), false},
	}
	for name, tc := range cases {
		if got := IsExpectedClose(tc.err); got != tc.want {
			t.Errorf("%s: got %v, want %v", name, got, tc.want)
		}
	}
}

func TestIsExpectedCloseOnClientClose(t *testing.T) {
	readErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			readErr <- err
			return
		}
		_, _, err = conn.Read(r.Context())
		readErr <- err
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Close(websocket.StatusNormalClosure, "bye")

	select {
	case err := <-readErr:
		if !IsExpectedClose(err) {
			t.Errorf("client close classified as fault: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("server read never returned")
	}
}

// Package agent drives the load generators running next to each system
// under test.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stressmonitor/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client posts the run configuration to an agent and then starts the test.
type Client struct {
	http     *http.Client
	attempts uint
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}, attempts: 2}
}

// Start sends rc to POST {agent}/config and then calls POST {agent}/start-test.
// Connection failures are retried once; an HTTP error status is not.
func (c *Client) Start(ctx context.Context, target config.Target, rc config.RunConfig) error {
	body, err := json.Marshal(rc)
	if err != nil {
		return errors.Wrap(err, "encode run config")
	}
	base := strings.TrimRight(target.AgentURL, "/")
	if err := c.post(ctx, base+"/config", body); err != nil {
		return err
	}
	return c.post(ctx, base+"/start-test", nil)
}

type statusError struct {
	url  string
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.url, e.code, e.body)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	return retry.Do(
		func() error {
			return c.once(ctx, url, body)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			return !errors.As(err, &se)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("url", url).Warn("agent request failed, retrying")
		}),
	)
}

func (c *Client) once(ctx context.Context, url string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return errors.Wrapf(err, "build request %s", url)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{url: url, code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Package summarizer asks an external text service for a narrative
// comparison of a finished run.
package summarizer

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
	"stressmonitor/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDisabled is returned when no summarizer endpoint is configured.
var ErrDisabled = errors.New("summarizer disabled")

// Request is the structured summary of one run.
type Request struct {
	RunID    uint64                   `json:"run_id"`
	Winner   string                   `json:"winner"`
	Duration string                   `json:"duration"`
	Systems  []protocol.SystemSummary `json:"systems"`
}

type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

type disabled struct{}

func (disabled) Summarize(context.Context, Request) (string, error) {
	return "", ErrDisabled
}

// New returns a client for cfg, or a summarizer that always fails with
// ErrDisabled when cfg has no URL.
func New(cfg config.Summarizer) Summarizer {
	if cfg.URL == "" {
		return disabled{}
	}
	return NewClient(cfg)
}

// Client talks to an OpenAI compatible chat completions endpoint.
type Client struct {
	url     string
	apiKey  string
	model   string
	retries uint
	http    *http.Client
}

func NewClient(cfg config.Summarizer) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		retries: uint(retries),
		http:    &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// statusError is a non 2xx reply. Only server side failures are retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("summarizer returned %d: %s", e.code, e.body)
}

const systemPrompt = "You compare two telephony platforms after a load test. " +
	"Write a short, neutral summary of how each system behaved and which one held up better."

func (c *Client) Summarize(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(req)},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode summarizer request")
	}

	var text string
	err = retry.Do(
		func() error {
			var err error
			text, err = c.post(ctx, body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.retries+1),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code >= 500 || se.code == http.StatusTooManyRequests
			}
			return true
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("attempt", n+1).Warn("summarizer request failed, retrying")
		}),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build summarizer request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "call summarizer")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read summarizer response")
	}
	if resp.StatusCode/100 != 2 {
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "decode summarizer response")
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("summarizer returned no text")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Prompt renders req as the user message sent to the service.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %d lasted %s. Winner by steps survived: %s.\n", req.RunID, req.Duration, req.Winner)
	for _, s := range req.Systems {
		fmt.Fprintf(&b, "%s: %d steps, max calls %d, max CPU %.1f%%, max memory %.1f%%, bandwidth per call %.2f\n",
			s.SystemID, s.Samples, s.MaxCalls, s.MaxCPU, s.MaxMemory, s.AvgBandwidthPerCall)
	}
	return b.String()
}

// Package reasoner calls the remote reasoning service that produces replies.
//
// The service is a single GET endpoint taking the user text as a query
// parameter. There is no retry: callers turn failures into fallback replies.
package reasoner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultInputParam   = "input"
	defaultReadyMessage = "Bot connected."
	maxBodyBytes        = 1 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reasoning service returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to the reasoning service.
type Client struct {
	baseURL      *url.URL
	inputParam   string
	readyMessage string
	headers      map[string]string
	client       *http.Client
	logger       *slog.Logger
}

type Config struct {
	URL          string
	InputParam   string
	ReadyMessage string
	Timeout      time.Duration // 0 = none
	Headers      map[string]string
	HTTPClient   *http.Client // optional, overrides Timeout
	Logger       *slog.Logger
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse reasoner url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("reasoner url must be absolute http(s): %q", cfg.URL)
	}
	if cfg.InputParam == "" {
		cfg.InputParam = defaultInputParam
	}
	if cfg.ReadyMessage == "" {
		cfg.ReadyMessage = defaultReadyMessage
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:      u,
		inputParam:   cfg.InputParam,
		readyMessage: cfg.ReadyMessage,
		headers:      cfg.Headers,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}, nil
}

// Ask sends text to the service and parses the body.
func (c *Client) Ask(ctx context.Context, text string) (Response, error) {
	body, err := c.get(ctx, text)
	if err != nil {
		return Response{}, err
	}
	resp := ParseBody(body)
	c.logger.Debug("reasoning service response", "kind", resp.Kind.String(), "bytes", len(body))
	return resp, nil
}

// Notify announces that the session is ready. The body is discarded.
func (c *Client) Notify(ctx context.Context) error {
	_, err := c.get(ctx, c.readyMessage)
	return err
}

func (c *Client) get(ctx context.Context, input string) ([]byte, error) {
	u := *c.baseURL
	q := u.Query()
	q.Set(c.inputParam, input)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9")
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reasoning service request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// DefaultPlaceCallEndpoint is used when no place-call endpoint is configured.
const DefaultPlaceCallEndpoint = "https://api.skype.net/v3/calling"

// Correlation headers attached to every outbound request.
const (
	HeaderChainID   = "X-Correlation-Chain-Id"
	HeaderMessageID = "X-Correlation-Message-Id"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4096

// ErrTransport is returned when an outbound request fails at the network
// level or the platform answers with a non-success status.
var ErrTransport = errors.New("platform transport failure")

// StatusError is a non-success HTTP response from the platform.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("platform: %s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("platform: %s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

// Unwrap lets errors.Is match ErrTransport.
func (e *StatusError) Unwrap() error { return ErrTransport }

// TokenProvider returns a bearer token for the bot identity.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client performs outbound call operations against the calling platform.
// It is shared by all call legs and holds no per-call state.
type Client struct {
	httpClient        *http.Client
	tokens            TokenProvider
	placeCallEndpoint string
	logger            *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPlaceCallEndpoint overrides DefaultPlaceCallEndpoint.
func WithPlaceCallEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.placeCallEndpoint = endpoint
		}
	}
}

// WithTransport sets the base round tripper wrapped by the middleware chain.
func WithTransport(rt http.RoundTripper, middleware ...Middleware) Option {
	return func(c *Client) {
		c.httpClient.Transport = Chain(rt, middleware...)
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a platform client. Redirects are never followed: a 3xx
// response is reported as a non-success status.
func NewClient(tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tokens:            tokens,
		placeCallEndpoint: DefaultPlaceCallEndpoint,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("subsystem", "platform_client")
	return c
}

// PlaceCallEndpoint returns the endpoint PlaceCall posts to.
func (c *Client) PlaceCallEndpoint() string {
	return c.placeCallEndpoint
}

// PlaceCall posts a workflow to the place-call endpoint with a freshly
// acquired bearer token.
func (c *Client) PlaceCall(ctx context.Context, chainID string, workflow any) error {
	if c.tokens == nil {
		return fmt.Errorf("platform: place call: no token provider configured")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("platform: acquiring token: %w", err)
	}

	body, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("platform: marshalling workflow: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.placeCallEndpoint, chainID, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req)
}

// Subscribe puts a subscription payload to a link discovered from an
// answer outcome.
func (c *Client) Subscribe(ctx context.Context, chainID string, link *url.URL, subscription any) error {
	if link == nil {
		return fmt.Errorf("platform: subscribe: link is nil")
	}
	body, err := json.Marshal(subscription)
	if err != nil {
		return fmt.Errorf("platform: marshalling subscription: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, link.String(), chainID, body)
	if err != nil {
		return err
	}
	return c.do(req)
}

// EndCall deletes the call link discovered from an answer or join outcome.
func (c *Client) EndCall(ctx context.Context, chainID string, link *url.URL) error {
	if link == nil {
		return fmt.Errorf("platform: end call: link is nil")
	}
	req, err := c.newRequest(ctx, http.MethodDelete, link.String(), chainID, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

// newRequest builds a request carrying both correlation headers.
func (c *Client) newRequest(ctx context.Context, method, target, chainID string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("platform: creating %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderChainID, chainID)
	req.Header.Set(HeaderMessageID, uuid.NewString())
	return req, nil
}

// do sends the request and maps failures onto ErrTransport.
func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("platform request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"chain_id", req.Header.Get(HeaderChainID),
			"message_id", req.Header.Get(HeaderMessageID),
			"error", err,
		)
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("platform returned non-success status",
			"method", req.Method,
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"chain_id", req.Header.Get(HeaderChainID),
			"message_id", req.Header.Get(HeaderMessageID),
		)
		return &StatusError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck

	c.logger.Debug("platform request succeeded",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"message_id", req.Header.Get(HeaderMessageID),
	)
	return nil
}

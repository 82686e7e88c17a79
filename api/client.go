// Package api is the REST side of the bot platform: the gateway address
// lookup and the outbound messenger used to deliver replies.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/qqbot-gateway/metrics"
	"github.com/abdelmounim-dev/qqbot-gateway/token"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 3 * time.Second
)

// ErrUnauthorized is returned when the platform rejects the access token.
// The cached token has already been invalidated when it is returned.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.Code, e.Body)
}

// TokenSource supplies bearer credentials. *token.Manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (token.Credential, error)
	Invalidate()
}

type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	MaxRetries     uint64
	InitialBackoff time.Duration
}

type Client struct {
	baseURL        string
	tokens         TokenSource
	http           *http.Client
	maxRetries     uint64
	initialBackoff time.Duration
	log            zerolog.Logger
}

func NewClient(tokens TokenSource, opts Options, log zerolog.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		tokens:         tokens,
		http:           opts.HTTPClient,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		log:            log.With().Str("component", "api").Logger(),
	}
}

// GatewayURL asks the platform for the WebSocket address to dial.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/gateway", nil, &out); err != nil {
		return "", fmt.Errorf("failed to get gateway url: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("failed to get gateway url: empty url")
	}
	return out.URL, nil
}

// do sends one request, retrying network errors and 5xx responses with
// exponential backoff. 401 invalidates the cached token and is not retried.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	operation := func() error {
		cred, err := c.tokens.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to get access token: %w", err))
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", cred.Authorization())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusUnauthorized:
			c.tokens.Invalidate()
			return backoff.Permanent(ErrUnauthorized)
		case res.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
			return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(msg))}
		case res.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
			return backoff.Permanent(&StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(msg))})
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(c.initialBackoff),
				backoff.WithMaxInterval(defaultMaxBackoff),
			),
			c.maxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		c.log.Warn().Err(err).Str("path", path).Dur("next_in", d).Msg("retrying platform request")
	})
}

func recordSend(err error) {
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()
}

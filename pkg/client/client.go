// Package client executes GraphQL requests against the upstream API with
// rate limiting, token management, and classified retries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/auth"
	"github.com/Sternrassler/greyfinch-sync/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_requests_total",
		Help: "Total upstream GraphQL requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "greyfinch_request_duration_seconds",
		Help:    "Upstream GraphQL request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_errors_total",
		Help: "Total upstream request errors by class",
	}, []string{"class"})
)

const maxErrorBody = 256

// TokenSource supplies bearer tokens. *auth.Provider implements it.
type TokenSource interface {
	Token(ctx context.Context) (auth.Credential, error)
	Invalidate(token string)
}

// Config holds the client configuration.
type Config struct {
	// URL is the GraphQL endpoint.
	URL string

	// UserAgent is sent with every request.
	UserAgent string

	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration

	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		UserAgent:      "greyfinch-sync/1.0",
		RequestTimeout: 120 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// Client is the rate-aware request executor.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	limiter    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
	sleep      SleepFunc
	rand       func(n int64) int64
}

// New creates a client. A nil limiter gets an in-memory tracker with the
// default request budget.
func New(cfg Config, tokens TokenSource, limiter *ratelimit.Tracker) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request_timeout must be positive (got %v)", cfg.RequestTimeout)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "client").Logger()
	if limiter == nil {
		limiter = ratelimit.NewTracker(nil, 0, logger)
	}

	return &Client{
		httpClient: &http.Client{},
		tokens:     tokens,
		limiter:    limiter,
		config:     cfg,
		logger:     logger,
		sleep:      ratelimit.Sleep,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// Execute sends one GraphQL request and returns its data object. Transient
// failures are retried with backoff, 429 responses are waited out, and a 401
// triggers one re-authentication. Every terminal failure is returned.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	policy := newBackoffPolicy(c.config.Retry, c.rand)
	var (
		transient int
		rateWaits int
		reauthed  bool
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx.Err())
			}
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		var headers http.Header
		cred, err := c.tokens.Token(ctx)
		switch {
		case err == nil:
			var data json.RawMessage
			data, headers, err = c.do(ctx, body, cred.Token)
			if err == nil {
				if attempt > 1 {
					c.logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
				}
				return data, nil
			}
		case ctx.Err() != nil:
			return nil, cancelled(ctx.Err())
		case errors.Is(err, auth.ErrUnavailable):
			err = loginFailure(err)
		default:
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}

		class := ClassOf(err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Msg("Upstream request failed")

		if class != ErrorClassUnauthorized && !shouldRetry(class) {
			return nil, err
		}

		var wait time.Duration
		switch class {
		case ErrorClassUnauthorized:
			if reauthed {
				return nil, &auth.Error{StatusCode: http.StatusUnauthorized, Message: "token rejected after re-authentication"}
			}
			reauthed = true
			c.tokens.Invalidate(cred.Token)
			continue

		case ErrorClassRateLimit:
			rateWaits++
			if rateWaits > c.config.Retry.MaxRateLimitWaits {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				return nil, fmt.Errorf("%w: %w after %d waits: %w", ErrRetryExhausted, ErrRateLimited, rateWaits-1, err)
			}
			wait = c.retryAfter(ctx, headers)

		case ErrorClassServer, ErrorClassNetwork:
			transient++
			if transient > c.config.Retry.MaxRetries {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				c.logger.Warn().
					Str("error_class", string(class)).
					Int("max_retries", c.config.Retry.MaxRetries).
					Msg("Retry attempts exhausted")
				return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
			}
			wait = policy.next(class)
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		c.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, cancelled(err)
		}
	}
}

// do performs a single attempt. Headers are returned on failure too so the
// caller can honor Retry-After.
func (c *Client) do(ctx context.Context, body []byte, token string) (json.RawMessage, http.Header, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, nil, &RequestError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if err := c.limiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, &RequestError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	if class := classifyStatus(resp.StatusCode); class != "" {
		if class == ErrorClassClient {
			return nil, resp.Header, &QueryError{StatusCode: resp.StatusCode, Message: truncate(raw)}
		}
		return nil, resp.Header, &RequestError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
		}
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, resp.Header, &RequestError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassServer,
			Message:    "undecodable response body",
			Err:        err,
		}
	}
	if len(envelope.Errors) > 0 {
		return nil, resp.Header, &QueryError{StatusCode: resp.StatusCode, Errors: envelope.Errors}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, resp.Header, &RequestError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassServer,
			Message:    "response carried no data",
		}
	}

	return envelope.Data, resp.Header, nil
}

// loginFailure classifies a transient login error so it shares the
// transient retry budget: transport failures as network, statuses as server.
func loginFailure(err error) error {
	class := ErrorClassNetwork
	var authErr *auth.Error
	if errors.As(err, &authErr) && authErr.StatusCode != 0 {
		class = ErrorClassServer
	}
	re := &RequestError{ErrorClass: class, Message: "login failed", Err: err}
	if authErr != nil {
		re.StatusCode = authErr.StatusCode
	}
	return re
}

// classifyStatus maps an HTTP status to an error class, or "" for 2xx.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized:
		return ErrorClassUnauthorized
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusRequestTimeout:
		return ErrorClassServer
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// retryAfter picks the 429 wait: the Retry-After header, else the time until
// the tracked window resets, else the configured default.
func (c *Client) retryAfter(ctx context.Context, headers http.Header) time.Duration {
	if d, ok := ratelimit.ParseRetryAfter(headers.Get("Retry-After"), time.Now()); ok {
		return d
	}
	if d, err := c.limiter.TimeUntilReset(ctx); err == nil && d > 0 {
		return d
	}
	return c.config.Retry.DefaultRetryAfter
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetSleepFunc replaces the backoff wait (for testing).
func (c *Client) SetSleepFunc(fn SleepFunc) {
	c.sleep = fn
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrContextCancelled, err)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

// Package auth obtains and caches bearer tokens for the upstream GraphQL API.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_logins_total",
		Help: "Total upstream login attempts by result",
	}, []string{"result"})
)

const loginMutation = `mutation login($key: String!, $secret: String!) {
  apiLogin(key: $key, secret: $secret) {
    accessToken
    accessTokenExpiresIn
    status
  }
}`

const (
	// DefaultValidity applies when the login response carries no expiry.
	DefaultValidity = 55 * time.Minute

	// RefreshSkew renews tokens slightly before they expire.
	RefreshSkew = 30 * time.Second

	loginTimeout = 30 * time.Second
)

var (
	// ErrAuth marks rejected credentials and login responses that cannot
	// yield a token. It is fatal for a run.
	ErrAuth = errors.New("authentication failed")

	// ErrUnavailable marks login failures that may succeed on retry:
	// transport errors, timeouts, and 408, 429 or 5xx responses.
	ErrUnavailable = errors.New("login endpoint unavailable")
)

// Error is a failed login. Transient errors unwrap to ErrUnavailable,
// all others to ErrAuth.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) sentinel() error {
	if e.Transient {
		return ErrUnavailable
	}
	return ErrAuth
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("status %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.sentinel(), msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.sentinel(), msg)
}

// Unwrap exposes the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.sentinel(), e.Err}
	}
	return []error{e.sentinel()}
}

// Credential is a bearer token and the instant it stops being valid.
type Credential struct {
	Token     string
	ExpiresAt time.Time

	// Skew is how long before ExpiresAt the credential counts as expired.
	// Zero means RefreshSkew.
	Skew time.Duration
}

// Valid reports whether the credential can still be used at now.
func (c Credential) Valid(now time.Time) bool {
	skew := c.Skew
	if skew == 0 {
		skew = RefreshSkew
	}
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-skew))
}

// refreshSkew is RefreshSkew capped to a tenth of short validities.
func refreshSkew(validity time.Duration) time.Duration {
	return min(RefreshSkew, validity/10)
}

// Config holds the login settings.
type Config struct {
	URL    string
	Key    string
	Secret string
}

// Provider caches one credential and refreshes it lazily. Concurrent callers
// needing a refresh share a single login request.
type Provider struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	cred   Credential
	flight singleflight.Group
}

// NewProvider creates a token provider.
func NewProvider(cfg Config, httpClient *http.Client) (*Provider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("api url is required")
	}
	if cfg.Key == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("api key and secret are required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: loginTimeout}
	}
	return &Provider{
		config:     cfg,
		httpClient: httpClient,
		logger:     log.With().Str("component", "auth").Logger(),
		now:        time.Now,
	}, nil
}

// Token returns a valid credential, logging in when none is cached or the
// cached one expired.
func (p *Provider) Token(ctx context.Context) (Credential, error) {
	p.mu.RLock()
	cred := p.cred
	p.mu.RUnlock()
	if cred.Valid(p.now()) {
		return cred, nil
	}

	v, err, shared := p.flight.Do("login", func() (interface{}, error) {
		// Another flight may have refreshed while we waited on the group.
		p.mu.RLock()
		cur := p.cred
		p.mu.RUnlock()
		if cur.Valid(p.now()) {
			return cur, nil
		}

		fresh, err := p.login(ctx)
		if err != nil {
			return Credential{}, err
		}
		p.mu.Lock()
		p.cred = fresh
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return Credential{}, err
	}
	if shared {
		p.logger.Debug().Msg("Joined in-flight login")
	}
	return v.(Credential), nil
}

// Invalidate drops the cached credential if it still holds token, so the
// next Token call logs in again.
func (p *Provider) Invalidate(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cred.Token == token {
		p.cred = Credential{}
		p.logger.Info().Msg("Cached token invalidated")
	}
}

type loginResponse struct {
	Data *struct {
		APILogin *struct {
			AccessToken          string `json:"accessToken"`
			AccessTokenExpiresIn int64  `json:"accessTokenExpiresIn"`
			Status               string `json:"status"`
		} `json:"apiLogin"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *Provider) login(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(map[string]any{
		"query": loginMutation,
		"variables": map[string]string{
			"key":    p.config.Key,
			"secret": p.config.Secret,
		},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal login: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	p.logger.Debug().Msg("Authenticating")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return Credential{}, &Error{Message: "login request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return Credential{}, &Error{StatusCode: resp.StatusCode, Message: "read login response", Transient: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transient := transientStatus(resp.StatusCode)
		if transient {
			loginsTotal.WithLabelValues("error").Inc()
		} else {
			loginsTotal.WithLabelValues("rejected").Inc()
		}
		return Credential{}, &Error{StatusCode: resp.StatusCode, Message: resp.Status, Transient: transient}
	}

	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return Credential{}, &Error{StatusCode: resp.StatusCode, Message: "decode login response", Transient: true, Err: err}
	}
	if len(lr.Errors) > 0 {
		loginsTotal.WithLabelValues("rejected").Inc()
		return Credential{}, &Error{StatusCode: resp.StatusCode, Message: lr.Errors[0].Message}
	}
	if lr.Data == nil || lr.Data.APILogin == nil || lr.Data.APILogin.AccessToken == "" {
		loginsTotal.WithLabelValues("rejected").Inc()
		return Credential{}, &Error{StatusCode: resp.StatusCode, Message: "login returned no access token"}
	}

	validity := DefaultValidity
	if s := lr.Data.APILogin.AccessTokenExpiresIn; s > 0 {
		validity = time.Duration(s) * time.Second
	}
	cred := Credential{
		Token:     lr.Data.APILogin.AccessToken,
		ExpiresAt: p.now().Add(validity),
		Skew:      refreshSkew(validity),
	}

	loginsTotal.WithLabelValues("success").Inc()
	p.logger.Info().
		Time("expires_at", cred.ExpiresAt).
		Str("status", lr.Data.APILogin.Status).
		Msg("Authenticated")

	return cred, nil
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

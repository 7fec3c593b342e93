package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
)

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "greyfinch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries caps transient failures (server and network) per request.
	MaxRetries int

	// MaxRateLimitWaits caps 429 waits per request. They do not count
	// against MaxRetries.
	MaxRateLimitWaits int

	// ServerBackoff is the base delay after a 5xx or malformed response.
	ServerBackoff time.Duration

	// NetworkBackoff is the base delay after a transport error or timeout.
	NetworkBackoff time.Duration

	// MaxBackoff caps the exponential delay before jitter is added.
	MaxBackoff time.Duration

	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration

	// DefaultRetryAfter applies to a 429 with no Retry-After header and no
	// known window reset.
	DefaultRetryAfter time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		MaxRateLimitWaits: 10,
		ServerBackoff:     2 * time.Second,
		NetworkBackoff:    10 * time.Second,
		MaxBackoff:        120 * time.Second,
		Jitter:            1 * time.Second,
		DefaultRetryAfter: 60 * time.Second,
	}
}

// Validate checks the retry configuration.
func (rc RetryConfig) Validate() error {
	if rc.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", rc.MaxRetries)
	}
	if rc.MaxRateLimitWaits < 0 {
		return fmt.Errorf("max_rate_limit_waits must be >= 0 (got %d)", rc.MaxRateLimitWaits)
	}
	if rc.ServerBackoff <= 0 || rc.NetworkBackoff <= 0 {
		return fmt.Errorf("backoff base durations must be positive")
	}
	if rc.MaxBackoff < rc.ServerBackoff || rc.MaxBackoff < rc.NetworkBackoff {
		return fmt.Errorf("max_backoff must be >= the base backoffs")
	}
	if rc.Jitter < 0 {
		return fmt.Errorf("jitter must be >= 0")
	}
	return nil
}

// backoffPolicy hands out per-class exponential delays for one request.
// Each class keeps its own attempt counter.
type backoffPolicy struct {
	config   RetryConfig
	backoffs map[ErrorClass]retry.Backoff
	rand     func(n int64) int64
}

func newBackoffPolicy(cfg RetryConfig, rnd func(n int64) int64) *backoffPolicy {
	if rnd == nil {
		rnd = rand.Int63n
	}
	return &backoffPolicy{
		config:   cfg,
		backoffs: make(map[ErrorClass]retry.Backoff),
		rand:     rnd,
	}
}

// next returns min(MaxBackoff, base*2^n) plus a random jitter in [0, Jitter).
func (p *backoffPolicy) next(class ErrorClass) time.Duration {
	b, ok := p.backoffs[class]
	if !ok {
		base := p.config.ServerBackoff
		if class == ErrorClassNetwork {
			base = p.config.NetworkBackoff
		}
		b = retry.WithCappedDuration(p.config.MaxBackoff, retry.NewExponential(base))
		p.backoffs[class] = b
	}

	delay, _ := b.Next()
	if p.config.Jitter > 0 {
		delay += time.Duration(p.rand(int64(p.config.Jitter)))
	}
	return delay
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

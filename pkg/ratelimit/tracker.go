package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "greyfinch_rate_limit_remaining",
		Help: "Requests remaining in the current upstream rate limit window",
	})

	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_rate_limit_waits_total",
		Help: "Total number of requests delayed by the rate limiter",
	}, []string{"reason"})

	rateLimitWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greyfinch_rate_limit_wait_seconds_total",
		Help: "Total seconds spent waiting on the rate limiter",
	})
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Tracker gates requests on the upstream window and a per-minute budget.
type Tracker struct {
	store             Store
	requestsPerMinute int
	logger            zerolog.Logger
	now               func() time.Time
	sleep             SleepFunc
}

// NewTracker creates a tracker. A nil store keeps state in memory and a
// non-positive budget uses DefaultRequestsPerMinute.
func NewTracker(store Store, requestsPerMinute int, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	return &Tracker{
		store:             store,
		requestsPerMinute: requestsPerMinute,
		logger:            logger,
		now:               time.Now,
		sleep:             Sleep,
	}
}

// SetSleepFunc replaces the wait function (for testing).
func (t *Tracker) SetSleepFunc(fn SleepFunc) {
	t.sleep = fn
}

// GetState returns the last stored window state.
func (t *Tracker) GetState(ctx context.Context) (State, error) {
	return t.store.GetState(ctx)
}

// Wait blocks until a request may be sent. It first waits out a nearly
// exhausted upstream window unless that state is stale, then takes a slot
// from the per-minute budget, sleeping into the next minute when the current
// one is used up.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.store.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}
	now := t.now()
	switch {
	case !state.NeedsWait(now):
	case state.IsStale(now, MaxStateAge):
		t.logger.Debug().
			Time("last_update", state.LastUpdate).
			Msg("Ignoring stale rate limit state")
	default:
		d := state.TimeUntilReset(now)
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", d).
			Msg("Upstream window nearly exhausted, waiting for reset")
		if err := t.wait(ctx, "window", d); err != nil {
			return err
		}
	}

	for {
		now := t.now()
		window := now.Truncate(time.Minute)
		n, err := t.store.IncrWindow(ctx, window)
		if err != nil {
			return fmt.Errorf("take request budget: %w", err)
		}
		if n <= int64(t.requestsPerMinute) {
			return nil
		}

		d := window.Add(time.Minute).Sub(now)
		t.logger.Debug().
			Int64("requests", n).
			Int("budget", t.requestsPerMinute).
			Dur("wait_duration", d).
			Msg("Request budget used up, throttling")
		if err := t.wait(ctx, "budget", d); err != nil {
			return err
		}
	}
}

// UpdateFromHeaders records the window state carried by a response.
// Responses without rate limit headers leave the state unchanged.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseHeaders(headers, t.now())
	if err != nil || !ok {
		return err
	}
	if err := t.store.SetState(ctx, state); err != nil {
		return err
	}

	rateLimitRemaining.Set(float64(state.Remaining))

	evt := t.logger.Debug()
	if state.Remaining <= LowRemainingThreshold {
		evt = t.logger.Warn()
	}
	evt.Int("remaining", state.Remaining).
		Int("limit", state.Limit).
		Time("reset_at", state.ResetAt).
		Msg("Rate limit state updated")
	return nil
}

// TimeUntilReset returns the wait until the stored window resets, or 0 if
// unknown.
func (t *Tracker) TimeUntilReset(ctx context.Context) (time.Duration, error) {
	state, err := t.store.GetState(ctx)
	if err != nil {
		return 0, err
	}
	return state.TimeUntilReset(t.now()), nil
}

func (t *Tracker) wait(ctx context.Context, reason string, d time.Duration) error {
	rateLimitWaitsTotal.WithLabelValues(reason).Inc()
	rateLimitWaitSeconds.Add(d.Seconds())
	return t.sleep(ctx, d)
}

// Sleep waits for d, returning early with the context error when ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

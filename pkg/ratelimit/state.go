// Package ratelimit tracks the upstream request window and gates outgoing
// requests. It reads the X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset headers and enforces a self-imposed requests-per-minute
// budget so the exporter stays below the upstream ceiling.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Redis keys for shared window state.
const (
	RedisKeyLimit          = "greyfinch:rate_limit:limit"
	RedisKeyRemaining      = "greyfinch:rate_limit:remaining"
	RedisKeyResetTimestamp = "greyfinch:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "greyfinch:rate_limit:last_update"

	// RedisKeyWindowPrefix is followed by the unix minute of the budget window.
	RedisKeyWindowPrefix = "greyfinch:rate_limit:window:"
)

const (
	// DefaultRequestsPerMinute stays under the upstream limit of 100/min.
	DefaultRequestsPerMinute = 90

	// LowRemainingThreshold makes requests wait for the window reset once
	// the upstream reports this many requests or fewer left.
	LowRemainingThreshold = 2

	// MaxStateAge bounds how long stored window state is trusted. Older
	// state, such as a Redis entry left by a crashed process, is ignored.
	MaxStateAge = 5 * time.Minute

	// DefaultRetryAfter applies to a 429 without a usable Retry-After header.
	DefaultRetryAfter = 60 * time.Second

	// epochThreshold separates absolute reset timestamps from relative seconds.
	epochThreshold = 1_000_000_000
)

// State is the last upstream window state seen in response headers.
type State struct {
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	LastUpdate time.Time `json:"last_update"`

	// Known is false until a response carried rate limit headers.
	Known bool `json:"known"`
}

// IsStale returns true if the state is older than maxAge.
func (s State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// NeedsWait reports whether requests should pause until the window resets.
func (s State) NeedsWait(now time.Time) bool {
	return s.Known && s.Remaining <= LowRemainingThreshold && s.ResetAt.After(now)
}

// TimeUntilReset returns the duration until the window resets, or 0 if it
// already has or is unknown.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	if !s.Known {
		return 0
	}
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ParseHeaders extracts window state from response headers. ok is false when
// the response carried no X-RateLimit-Remaining header. X-RateLimit-Reset is
// accepted both as seconds until reset and as a unix timestamp.
func ParseHeaders(h http.Header, now time.Time) (state State, ok bool, err error) {
	remainStr := strings.TrimSpace(h.Get("X-RateLimit-Remaining"))
	if remainStr == "" {
		return State{}, false, nil
	}
	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return State{}, false, &headerError{name: "X-RateLimit-Remaining", value: remainStr, err: err}
	}

	state = State{
		Remaining:  remaining,
		LastUpdate: now,
		Known:      true,
		ResetAt:    now.Add(time.Minute),
	}

	if v := strings.TrimSpace(h.Get("X-RateLimit-Limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return State{}, false, &headerError{name: "X-RateLimit-Limit", value: v, err: err}
		}
		state.Limit = limit
	}

	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		reset, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return State{}, false, &headerError{name: "X-RateLimit-Reset", value: v, err: err}
		}
		if reset >= epochThreshold {
			state.ResetAt = time.Unix(reset, 0)
		} else {
			state.ResetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}

	return state, true, nil
}

// ParseRetryAfter parses a Retry-After value given as delay seconds or an
// HTTP date. ok is false when the value is absent or unusable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

type headerError struct {
	name  string
	value string
	err   error
}

func (e *headerError) Error() string {
	return "parse " + e.name + " header " + strconv.Quote(e.value) + ": " + e.err.Error()
}

func (e *headerError) Unwrap() error { return e.err }

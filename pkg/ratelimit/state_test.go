package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		state    State
		maxAge   time.Duration
		expected bool
	}{
		{name: "fresh state", state: State{LastUpdate: now}, maxAge: 5 * time.Minute, expected: false},
		{name: "stale state", state: State{LastUpdate: now.Add(-10 * time.Minute)}, maxAge: 5 * time.Minute, expected: true},
		{name: "just under max age", state: State{LastUpdate: now.Add(-4 * time.Minute)}, maxAge: 5 * time.Minute, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsStale(now, tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_NeedsWait(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		state    State
		expected bool
	}{
		{name: "unknown", state: State{}, expected: false},
		{name: "plenty left", state: State{Known: true, Remaining: 50, ResetAt: now.Add(time.Minute)}, expected: false},
		{name: "at threshold", state: State{Known: true, Remaining: LowRemainingThreshold, ResetAt: now.Add(time.Minute)}, expected: true},
		{name: "exhausted", state: State{Known: true, Remaining: 0, ResetAt: now.Add(time.Minute)}, expected: true},
		{name: "exhausted but reset passed", state: State{Known: true, Remaining: 0, ResetAt: now.Add(-time.Second)}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.NeedsWait(now); got != tt.expected {
				t.Errorf("NeedsWait() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		state    State
		expected time.Duration
	}{
		{name: "future", state: State{Known: true, ResetAt: now.Add(30 * time.Second)}, expected: 30 * time.Second},
		{name: "past", state: State{Known: true, ResetAt: now.Add(-30 * time.Second)}, expected: 0},
		{name: "unknown", state: State{ResetAt: now.Add(30 * time.Second)}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.TimeUntilReset(now); got != tt.expected {
				t.Errorf("TimeUntilReset() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name      string
		headers   map[string]string
		wantOK    bool
		wantErr   bool
		remaining int
		limit     int
		resetAt   time.Time
	}{
		{
			name:    "no headers",
			headers: map[string]string{},
		},
		{
			name:      "relative reset",
			headers:   map[string]string{"X-RateLimit-Limit": "100", "X-RateLimit-Remaining": "42", "X-RateLimit-Reset": "30"},
			wantOK:    true,
			remaining: 42,
			limit:     100,
			resetAt:   now.Add(30 * time.Second),
		},
		{
			name:      "epoch reset",
			headers:   map[string]string{"X-RateLimit-Remaining": "1", "X-RateLimit-Reset": "1700000045"},
			wantOK:    true,
			remaining: 1,
			resetAt:   time.Unix(1_700_000_045, 0),
		},
		{
			name:      "missing reset defaults to a minute",
			headers:   map[string]string{"X-RateLimit-Remaining": "7"},
			wantOK:    true,
			remaining: 7,
			resetAt:   now.Add(time.Minute),
		},
		{
			name:    "bad remaining",
			headers: map[string]string{"X-RateLimit-Remaining": "lots"},
			wantErr: true,
		},
		{
			name:    "bad reset",
			headers: map[string]string{"X-RateLimit-Remaining": "5", "X-RateLimit-Reset": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			state, ok, err := ParseHeaders(h, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ParseHeaders() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if state.Remaining != tt.remaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.remaining)
			}
			if state.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", state.Limit, tt.limit)
			}
			if !state.ResetAt.Equal(tt.resetAt) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, tt.resetAt)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{name: "empty", value: "", wantOK: false},
		{name: "seconds", value: "17", want: 17 * time.Second, wantOK: true},
		{name: "zero", value: "0", want: 0, wantOK: true},
		{name: "negative", value: "-3", wantOK: false},
		{name: "http date", value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second, wantOK: true},
		{name: "past date", value: now.Add(-time.Hour).Format(http.TimeFormat), want: 0, wantOK: true},
		{name: "garbage", value: "later", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK {
				t.Fatalf("ParseRetryAfter() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseRetryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

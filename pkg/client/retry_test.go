package client

import (
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.ServerBackoff != 2*time.Second {
		t.Errorf("ServerBackoff = %v, want 2s", config.ServerBackoff)
	}
	if config.NetworkBackoff != 10*time.Second {
		t.Errorf("NetworkBackoff = %v, want 10s", config.NetworkBackoff)
	}
	if config.MaxBackoff != 120*time.Second {
		t.Errorf("MaxBackoff = %v, want 120s", config.MaxBackoff)
	}
	if config.Jitter != time.Second {
		t.Errorf("Jitter = %v, want 1s", config.Jitter)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestBackoffPolicy_PerClass(t *testing.T) {
	p := newBackoffPolicy(DefaultRetryConfig(), func(int64) int64 { return 0 })

	steps := []struct {
		class ErrorClass
		want  time.Duration
	}{
		{ErrorClassServer, 2 * time.Second},
		{ErrorClassNetwork, 10 * time.Second},
		{ErrorClassServer, 4 * time.Second},
		{ErrorClassNetwork, 20 * time.Second},
		{ErrorClassServer, 8 * time.Second},
	}

	for i, s := range steps {
		if got := p.next(s.class); got != s.want {
			t.Errorf("step %d: next(%s) = %v, want %v", i, s.class, got, s.want)
		}
	}
}

func TestBackoffPolicy_MaxBackoffCap(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxBackoff = 5 * time.Second
	cfg.NetworkBackoff = 3 * time.Second
	p := newBackoffPolicy(cfg, func(n int64) int64 { return n - 1 })

	for i := 0; i < 5; i++ {
		if got := p.next(ErrorClassServer); got >= cfg.MaxBackoff+cfg.Jitter {
			t.Errorf("attempt %d: delay %v exceeds cap plus jitter", i, got)
		}
	}
}

func TestBackoffPolicy_NoJitter(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Jitter = 0
	p := newBackoffPolicy(cfg, func(int64) int64 {
		t.Fatal("rand called with zero jitter")
		return 0
	})

	if got := p.next(ErrorClassServer); got != 2*time.Second {
		t.Errorf("next() = %v, want 2s", got)
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/greyfinch-sync/internal/testutil"
	"github.com/Sternrassler/greyfinch-sync/pkg/auth"
	"github.com/Sternrassler/greyfinch-sync/pkg/ratelimit"
	"github.com/google/go-cmp/cmp"
)

const patientsQuery = `query patients($limit: Int!, $offset: Int!) {
  patients(limit: $limit, offset: $offset) { id }
}`

var pageVars = map[string]any{"limit": 20, "offset": 0}

// recordedSleeps collects requested backoff delays without sleeping.
type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, mock *testutil.MockGreyfinch, modify func(*Config)) (*Client, *recordedSleeps) {
	t.Helper()

	provider, err := auth.NewProvider(auth.Config{
		URL:    mock.URL(),
		Key:    testutil.MockKey,
		Secret: testutil.MockSecret,
	}, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	cfg := DefaultConfig(mock.URL())
	if modify != nil {
		modify(&cfg)
	}
	c, err := New(cfg, provider, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sleeps := &recordedSleeps{}
	c.SetSleepFunc(sleeps.sleep)
	c.rand = func(n int64) int64 { return 0 }
	return c, sleeps
}

func TestNew_Validation(t *testing.T) {
	tokens, _ := auth.NewProvider(auth.Config{URL: "http://x", Key: "k", Secret: "s"}, nil)

	tests := []struct {
		name    string
		modify  func(*Config)
		tokens  TokenSource
		wantErr bool
	}{
		{name: "valid", tokens: tokens},
		{name: "missing url", modify: func(c *Config) { c.URL = "" }, tokens: tokens, wantErr: true},
		{name: "missing tokens", wantErr: true},
		{name: "zero timeout", modify: func(c *Config) { c.RequestTimeout = 0 }, tokens: tokens, wantErr: true},
		{name: "negative retries", modify: func(c *Config) { c.Retry.MaxRetries = -1 }, tokens: tokens, wantErr: true},
		{name: "cap below base", modify: func(c *Config) { c.Retry.MaxBackoff = time.Second }, tokens: tokens, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("http://x")
			if tt.modify != nil {
				tt.modify(&cfg)
			}
			_, err := New(cfg, tt.tokens, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("http://x")

	if cfg.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %v, want 120s", cfg.RequestTimeout)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.MaxRateLimitWaits != 10 {
		t.Errorf("MaxRateLimitWaits = %d, want 10", cfg.Retry.MaxRateLimitWaits)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{204, ""},
		{400, ErrorClassClient},
		{401, ErrorClassUnauthorized},
		{403, ErrorClassClient},
		{404, ErrorClassClient},
		{408, ErrorClassServer},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{502, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestExecute_Success(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 3))

	c, sleeps := newTestClient(t, mock, nil)

	data, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var got struct {
		Patients []struct {
			ID string `json:"id"`
		} `json:"patients"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(got.Patients) != 3 || got.Patients[0].ID != "p-1" {
		t.Errorf("data = %s", data)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].Authorization != "Bearer token-1" {
		t.Errorf("Authorization = %q", reqs[0].Authorization)
	}
	if reqs[0].Limit != 20 || reqs[0].Offset != 0 {
		t.Errorf("variables = %v", reqs[0].Variables)
	}
	if len(sleeps.delays) != 0 {
		t.Errorf("sleeps = %v, want none", sleeps.delays)
	}
}

func TestExecute_BackoffGrowth(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 2))
	mock.Enqueue(
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
		testutil.NewServerErrorResponse(http.StatusBadGateway),
		testutil.NewServerErrorResponse(http.StatusInternalServerError),
	)

	c, sleeps := newTestClient(t, mock, nil)

	data, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(string(data), "p-2") {
		t.Errorf("data = %s, want the upstream's successful page", data)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if diff := cmp.Diff(want, sleeps.delays); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
	if n := len(mock.Requests()); n != 4 {
		t.Errorf("requests = %d, want 4", n)
	}
}

func TestExecute_BackoffJitter(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 1))
	mock.Enqueue(
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
	)

	c, sleeps := newTestClient(t, mock, nil)
	c.rand = nil // real jitter

	if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	bases := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(sleeps.delays) != len(bases) {
		t.Fatalf("sleeps = %v", sleeps.delays)
	}
	for i, d := range sleeps.delays {
		if d < bases[i] || d >= bases[i]+time.Second {
			t.Errorf("delay %d = %v, want in [%v, %v)", i, d, bases[i], bases[i]+time.Second)
		}
		if i > 0 && d <= sleeps.delays[i-1] {
			t.Errorf("delay %d = %v did not grow from %v", i, d, sleeps.delays[i-1])
		}
	}
}

func TestExecute_QueryErrorNoRetry(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
	}{
		{name: "graphql errors", resp: testutil.NewQueryErrorResponse(`field "patientz" not found`)},
		{name: "bad request", resp: testutil.MockResponse{StatusCode: http.StatusBadRequest, Body: "bad request"}},
		{name: "forbidden", resp: testutil.MockResponse{StatusCode: http.StatusForbidden, Body: "forbidden"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGreyfinch()
			defer mock.Close()
			mock.Enqueue(tt.resp)

			c, sleeps := newTestClient(t, mock, nil)

			_, err := c.Execute(context.Background(), patientsQuery, pageVars)
			if !errors.Is(err, ErrQuery) {
				t.Fatalf("Execute() error = %v, want ErrQuery", err)
			}
			var qe *QueryError
			if !errors.As(err, &qe) {
				t.Fatalf("error is %T, want *QueryError", err)
			}
			if n := len(mock.Requests()); n != 1 {
				t.Errorf("requests = %d, want 1", n)
			}
			if len(sleeps.delays) != 0 {
				t.Errorf("sleeps = %v, want none", sleeps.delays)
			}
		})
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	for i := 0; i < 6; i++ {
		mock.Enqueue(testutil.NewServerErrorResponse(http.StatusServiceUnavailable))
	}

	c, sleeps := newTestClient(t, mock, nil)

	_, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("server exhaustion should not be reported as rate limited")
	}
	if ClassOf(err) != ErrorClassServer {
		t.Errorf("ClassOf() = %q, want server", ClassOf(err))
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	if diff := cmp.Diff(want, sleeps.delays); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
	if n := len(mock.Requests()); n != 6 {
		t.Errorf("requests = %d, want 6", n)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestExecute_NetworkBackoffCapped(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()

	c, sleeps := newTestClient(t, mock, func(cfg *Config) { cfg.Retry.MaxRetries = 6 })
	attempts := 0
	c.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts++
		return nil, errors.New("connection reset by peer")
	})})

	_, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if ClassOf(err) != ErrorClassNetwork {
		t.Errorf("ClassOf() = %q, want network", ClassOf(err))
	}

	want := []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 120 * time.Second, 120 * time.Second,
	}
	if diff := cmp.Diff(want, sleeps.delays); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
	if attempts != 7 {
		t.Errorf("attempts = %d, want 7", attempts)
	}
}

func TestExecute_UndecodableBodyRetried(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 1))
	mock.Enqueue(
		testutil.MockResponse{StatusCode: http.StatusOK, Body: "<html>gateway</html>"},
		testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"data":null}`},
	)

	c, sleeps := newTestClient(t, mock, nil)

	if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(sleeps.delays) != 2 {
		t.Errorf("sleeps = %v, want 2", sleeps.delays)
	}
}

func TestExecute_RateLimitRetryAfter(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 1))
	mock.Enqueue(
		testutil.NewRateLimitResponse("7"),
		testutil.NewRateLimitResponse("7"),
	)

	// No transient retries allowed: 429 waits must not consume them.
	c, sleeps := newTestClient(t, mock, func(cfg *Config) { cfg.Retry.MaxRetries = 0 })

	if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []time.Duration{7 * time.Second, 7 * time.Second}
	if diff := cmp.Diff(want, sleeps.delays); diff != "" {
		t.Errorf("rate limit waits mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_RateLimitFallbacks(t *testing.T) {
	t.Run("window reset", func(t *testing.T) {
		mock := testutil.NewMockGreyfinch()
		defer mock.Close()
		mock.SetDataset("patients", testutil.NewRecords("p", 1))
		resp := testutil.NewRateLimitResponse("")
		resp.Headers["X-RateLimit-Remaining"] = "50"
		resp.Headers["X-RateLimit-Reset"] = "30"
		mock.Enqueue(resp)

		c, sleeps := newTestClient(t, mock, nil)
		if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if len(sleeps.delays) != 1 {
			t.Fatalf("sleeps = %v, want 1", sleeps.delays)
		}
		if d := sleeps.delays[0]; d <= 28*time.Second || d > 30*time.Second {
			t.Errorf("wait = %v, want about 30s", d)
		}
	})

	t.Run("default", func(t *testing.T) {
		mock := testutil.NewMockGreyfinch()
		defer mock.Close()
		mock.SetDataset("patients", testutil.NewRecords("p", 1))
		mock.Enqueue(testutil.NewRateLimitResponse(""))

		c, sleeps := newTestClient(t, mock, nil)
		if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if diff := cmp.Diff([]time.Duration{60 * time.Second}, sleeps.delays); diff != "" {
			t.Errorf("wait mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestExecute_RateLimitExhausted(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	for i := 0; i < 3; i++ {
		mock.Enqueue(testutil.NewRateLimitResponse("1"))
	}

	c, _ := newTestClient(t, mock, func(cfg *Config) { cfg.Retry.MaxRateLimitWaits = 2 })

	_, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, ErrRetryExhausted) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Execute() error = %v, want ErrRetryExhausted and ErrRateLimited", err)
	}
	if n := len(mock.Requests()); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestExecute_RetryAfterHonoredInRealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for a second")
	}

	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 1))
	mock.Enqueue(testutil.NewRateLimitResponse("1"))

	c, _ := newTestClient(t, mock, nil)
	c.SetSleepFunc(ratelimit.Sleep)

	if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if gap := reqs[1].At.Sub(reqs[0].At); gap < 950*time.Millisecond {
		t.Errorf("second request after %v, want >= 1s", gap)
	}
}

func TestExecute_Reauthenticates(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.SetDataset("patients", testutil.NewRecords("p", 1))

	c, sleeps := newTestClient(t, mock, nil)
	ctx := context.Background()

	if _, err := c.Execute(ctx, patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mock.RevokeToken()
	if _, err := c.Execute(ctx, patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() after revoke error = %v", err)
	}

	if mock.Logins() != 2 {
		t.Errorf("Logins = %d, want 2", mock.Logins())
	}
	reqs := mock.Requests()
	if last := reqs[len(reqs)-1].Authorization; last != "Bearer token-2" {
		t.Errorf("last Authorization = %q, want Bearer token-2", last)
	}
	if len(sleeps.delays) != 0 {
		t.Errorf("sleeps = %v, want none", sleeps.delays)
	}
}

func TestExecute_UnauthorizedTwice(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	unauthorized := testutil.MockResponse{StatusCode: http.StatusUnauthorized, Body: `{"error":"invalid token"}`}
	mock.Enqueue(unauthorized, unauthorized)

	c, _ := newTestClient(t, mock, nil)

	_, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("Execute() error = %v, want auth.ErrAuth", err)
	}
	if mock.Logins() != 2 {
		t.Errorf("Logins = %d, want 2", mock.Logins())
	}
}

func TestExecute_AuthFailure(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()

	provider, _ := auth.NewProvider(auth.Config{URL: mock.URL(), Key: testutil.MockKey, Secret: "wrong"}, nil)
	c, err := New(DefaultConfig(mock.URL()), provider, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("Execute() error = %v, want auth.ErrAuth", err)
	}
	if n := len(mock.Requests()); n != 0 {
		t.Errorf("data requests = %d, want 0", n)
	}
}

func TestExecute_TransientLoginRetried(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.EnqueueLogin(
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
		testutil.NewServerErrorResponse(http.StatusBadGateway),
	)
	mock.SetDataset("patients", testutil.NewRecords("p", 3))

	c, sleeps := newTestClient(t, mock, nil)

	if _, err := c.Execute(context.Background(), patientsQuery, pageVars); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if mock.Logins() != 3 {
		t.Errorf("Logins = %d, want 3", mock.Logins())
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second, 4 * time.Second}, sleeps.delays); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_TransientLoginExhausted(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	unavailable := testutil.NewServerErrorResponse(http.StatusServiceUnavailable)
	mock.EnqueueLogin(unavailable, unavailable, unavailable)

	c, sleeps := newTestClient(t, mock, func(cfg *Config) { cfg.Retry.MaxRetries = 2 })

	_, err := c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if errors.Is(err, auth.ErrAuth) {
		t.Errorf("exhausted login retries should not be auth.ErrAuth: %v", err)
	}
	if !errors.Is(err, auth.ErrUnavailable) {
		t.Errorf("error should keep the login cause: %v", err)
	}
	if ClassOf(err) != ErrorClassServer {
		t.Errorf("ClassOf() = %q, want server", ClassOf(err))
	}
	if mock.Logins() != 3 || len(sleeps.delays) != 2 {
		t.Errorf("Logins = %d, sleeps = %v; want 3 logins and 2 sleeps", mock.Logins(), sleeps.delays)
	}
	if n := len(mock.Requests()); n != 0 {
		t.Errorf("data requests = %d, want 0", n)
	}
}

func TestExecute_LoginTransportFailureIsNetworkClass(t *testing.T) {
	down := testutil.NewMockGreyfinch()
	url := down.URL()
	down.Close()

	provider, _ := auth.NewProvider(auth.Config{URL: url, Key: testutil.MockKey, Secret: testutil.MockSecret}, nil)
	cfg := DefaultConfig(url)
	cfg.Retry.MaxRetries = 1
	c, err := New(cfg, provider, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sleeps := &recordedSleeps{}
	c.SetSleepFunc(sleeps.sleep)
	c.rand = func(int64) int64 { return 0 }

	_, err = c.Execute(context.Background(), patientsQuery, pageVars)
	if !errors.Is(err, ErrRetryExhausted) || ClassOf(err) != ErrorClassNetwork {
		t.Fatalf("Execute() error = %v (class %q), want exhausted network error", err, ClassOf(err))
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Second}, sleeps.delays); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	mock := testutil.NewMockGreyfinch()
	defer mock.Close()
	mock.Enqueue(testutil.NewServerErrorResponse(http.StatusServiceUnavailable))

	c, _ := newTestClient(t, mock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.SetSleepFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err := c.Execute(ctx, patientsQuery, pageVars)
	if !errors.Is(err, ErrContextCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want ErrContextCancelled wrapping context.Canceled", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("cancellation must not be reported as exhaustion")
	}
	if n := len(mock.Requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

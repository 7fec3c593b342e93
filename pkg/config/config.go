// Package config loads sync settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/client"
	"github.com/Sternrassler/greyfinch-sync/pkg/entity"
	"github.com/Sternrassler/greyfinch-sync/pkg/exporter"
	"github.com/Sternrassler/greyfinch-sync/pkg/logging"
	"github.com/Sternrassler/greyfinch-sync/pkg/ratelimit"
	"github.com/sethvargo/go-envconfig"
)

// Local-testing defaults. They are accepted only when Production is false.
const (
	DefaultAPIURL    = "https://connect-api.greyfinch.com/v1/graphql"
	DefaultAPIKey    = "pk_local_testing_only"
	DefaultAPISecret = "sk_local_testing_only"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every setting of a sync run.
type Config struct {
	APIURL    string `env:"GREYFINCH_API_URL, default=https://connect-api.greyfinch.com/v1/graphql"`
	APIKey    string `env:"GREYFINCH_API_KEY, default=pk_local_testing_only"`
	APISecret string `env:"GREYFINCH_API_SECRET, default=sk_local_testing_only"`

	// Production requires real credentials.
	Production bool `env:"SYNC_PRODUCTION, default=false"`

	OutputFile    string `env:"SYNC_OUTPUT_FILE, default=greyfinch-export.tsv"`
	CheckpointDir string `env:"SYNC_CHECKPOINT_DIR, default=.checkpoints"`
	EntitiesFile  string `env:"SYNC_ENTITIES_FILE"`

	BatchDelay        time.Duration `env:"SYNC_BATCH_DELAY, default=2s"`
	MaxRetries        int           `env:"SYNC_MAX_RETRIES, default=5"`
	RequestTimeout    time.Duration `env:"SYNC_REQUEST_TIMEOUT, default=120s"`
	RequestsPerMinute int           `env:"SYNC_REQUESTS_PER_MINUTE, default=90"`

	Since           string `env:"SYNC_SINCE"`
	Until           string `env:"SYNC_UNTIL"`
	Parallelism     int    `env:"SYNC_PARALLEL, default=1"`
	ContinueOnError bool   `env:"SYNC_CONTINUE_ON_ERROR, default=false"`

	MetricsAddr string `env:"SYNC_METRICS_ADDR"`
	RedisURL    string `env:"REDIS_URL"`

	LogLevel  string `env:"LOG_LEVEL, default=info"`
	LogPretty bool   `env:"LOG_PRETTY, default=false"`
}

// Load reads the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and, in production, rejects the testing defaults.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("GREYFINCH_API_URL %q is not an absolute URL", c.APIURL))
	}
	if c.APIKey == "" || c.APISecret == "" {
		errs = append(errs, errors.New("GREYFINCH_API_KEY and GREYFINCH_API_SECRET are required"))
	}
	if c.Production && (c.APIKey == DefaultAPIKey || c.APISecret == DefaultAPISecret) {
		errs = append(errs, errors.New("SYNC_PRODUCTION is set but API credentials are the local testing defaults"))
	}
	if c.OutputFile == "" {
		errs = append(errs, errors.New("SYNC_OUTPUT_FILE is required"))
	}
	if c.CheckpointDir == "" {
		errs = append(errs, errors.New("SYNC_CHECKPOINT_DIR is required"))
	}
	if c.BatchDelay < exporter.MinBatchDelay || c.BatchDelay > exporter.MaxBatchDelay {
		errs = append(errs, fmt.Errorf("SYNC_BATCH_DELAY %s must be between %s and %s",
			c.BatchDelay, exporter.MinBatchDelay, exporter.MaxBatchDelay))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_RETRIES must be >= 0 (got %d)", c.MaxRetries))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_REQUEST_TIMEOUT must be positive (got %s)", c.RequestTimeout))
	}
	if c.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_REQUESTS_PER_MINUTE must be positive (got %d)", c.RequestsPerMinute))
	}
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("SYNC_PARALLEL must be >= 1 (got %d)", c.Parallelism))
	}
	if err := c.Window().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("date window: %w", err))
	}
	if _, err := logging.ParseLevel(logging.LogLevel(c.LogLevel)); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// UsesTestingDefaults reports whether either credential is a local default.
func (c *Config) UsesTestingDefaults() bool {
	return c.APIKey == DefaultAPIKey || c.APISecret == DefaultAPISecret
}

// Window returns the configured date window.
func (c *Config) Window() entity.Window {
	return entity.Window{Since: c.Since, Until: c.Until}
}

// ClientConfig derives the request executor settings.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.APIURL)
	cfg.RequestTimeout = c.RequestTimeout
	cfg.Retry.MaxRetries = c.MaxRetries
	return cfg
}

// ExportOptions derives the exporter settings.
func (c *Config) ExportOptions() exporter.Options {
	return exporter.Options{
		PageSize:   exporter.PageSize,
		BatchDelay: c.BatchDelay,
		Window:     c.Window(),
	}
}

// Logging derives the logger settings.
func (c *Config) Logging(runID string) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	cfg.RunID = runID
	return cfg
}

// RateLimitBudget returns the self-throttle budget, falling back to the
// tracker default.
func (c *Config) RateLimitBudget() int {
	if c.RequestsPerMinute <= 0 {
		return ratelimit.DefaultRequestsPerMinute
	}
	return c.RequestsPerMinute
}

// String omits credentials.
func (c *Config) String() string {
	return fmt.Sprintf("{APIURL:%s APIKey:%s Production:%v OutputFile:%s CheckpointDir:%s BatchDelay:%s MaxRetries:%d Window:%q Parallelism:%d RedisURL:%v}",
		c.APIURL, logging.Redact(c.APIKey), c.Production, c.OutputFile, c.CheckpointDir,
		c.BatchDelay, c.MaxRetries, c.Window().String(), c.Parallelism, c.RedisURL != "")
}

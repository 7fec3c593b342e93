// Package cli provides the command-line interface for greyfinch-sync.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/auth"
	"github.com/Sternrassler/greyfinch-sync/pkg/client"
	"github.com/Sternrassler/greyfinch-sync/pkg/config"
	"github.com/Sternrassler/greyfinch-sync/pkg/entity"
	"github.com/Sternrassler/greyfinch-sync/pkg/logging"
	"github.com/Sternrassler/greyfinch-sync/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// flagValues holds overrides; only flags set on the command line apply.
type flagValues struct {
	output          string
	checkpointDir   string
	since           string
	until           string
	entitiesFile    string
	metricsAddr     string
	redisURL        string
	logLevel        string
	parallel        int
	continueOnError bool
	pretty          bool
	batchDelay      time.Duration
}

type app struct {
	lookuper envconfig.Lookuper
	flags    flagValues
	cfg      *config.Config
	runID    string
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// NewRootCmd builds the command tree reading configuration from the
// process environment.
func NewRootCmd() *cobra.Command {
	return newRootCmd(envconfig.OsLookuper())
}

func newRootCmd(l envconfig.Lookuper) *cobra.Command {
	a := &app{lookuper: l}

	root := &cobra.Command{
		Use:   "greyfinch-sync",
		Short: "Checkpointed bulk export of Greyfinch practice data",
		Long: `greyfinch-sync pages practice data out of the Greyfinch GraphQL API into an
append-only line file. Progress is checkpointed after every batch, so an
interrupted export resumes where it stopped when the same command is run again.

Credentials are read from GREYFINCH_API_KEY and GREYFINCH_API_SECRET. The
built-in defaults are for local testing only; set SYNC_PRODUCTION=true to
require real values.

Only one process may run against the same output and checkpoint files.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.output, "output", "", "output file (SYNC_OUTPUT_FILE)")
	pf.StringVar(&a.flags.checkpointDir, "checkpoint-dir", "", "checkpoint directory (SYNC_CHECKPOINT_DIR)")
	pf.StringVar(&a.flags.since, "since", "", "export records with marker >= date, YYYY-MM-DD (SYNC_SINCE)")
	pf.StringVar(&a.flags.until, "until", "", "export records with marker < date, YYYY-MM-DD (SYNC_UNTIL)")
	pf.StringVar(&a.flags.entitiesFile, "entities-file", "", "YAML file with extra entity definitions (SYNC_ENTITIES_FILE)")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (SYNC_METRICS_ADDR)")
	pf.StringVar(&a.flags.redisURL, "redis-url", "", "share rate-limit state through Redis (REDIS_URL)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	pf.IntVar(&a.flags.parallel, "parallel", 0, "entities exported concurrently (SYNC_PARALLEL)")
	pf.BoolVar(&a.flags.continueOnError, "continue-on-error", false, "continue with the next entity after a failure (SYNC_CONTINUE_ON_ERROR)")
	pf.BoolVar(&a.flags.pretty, "pretty", false, "human-readable log output (LOG_PRETTY)")
	pf.DurationVar(&a.flags.batchDelay, "batch-delay", 0, "pause between batches, 1s to 5s (SYNC_BATCH_DELAY)")

	root.AddCommand(a.exportCmd())
	root.AddCommand(a.countCmd())
	root.AddCommand(a.statusCmd())
	root.AddCommand(a.resetCmd())
	root.AddCommand(a.combineCmd())
	root.AddCommand(a.entitiesCmd())

	return root
}

// setup loads configuration, applies flag overrides and configures logging.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWith(cmd.Context(), a.lookuper)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.runID = uuid.NewString()
	lc := cfg.Logging(a.runID)
	lc.Output = cmd.ErrOrStderr()
	logging.Setup(lc)

	if cfg.UsesTestingDefaults() {
		log.Warn().Msg("Using local testing credentials; set GREYFINCH_API_KEY and GREYFINCH_API_SECRET for real exports")
	}
	log.Debug().Str("config", cfg.String()).Msg("Configuration loaded")
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}

	if changed("output") {
		cfg.OutputFile = a.flags.output
	}
	if changed("checkpoint-dir") {
		cfg.CheckpointDir = a.flags.checkpointDir
	}
	if changed("since") {
		cfg.Since = a.flags.since
	}
	if changed("until") {
		cfg.Until = a.flags.until
	}
	if changed("entities-file") {
		cfg.EntitiesFile = a.flags.entitiesFile
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = a.flags.metricsAddr
	}
	if changed("redis-url") {
		cfg.RedisURL = a.flags.redisURL
	}
	if changed("log-level") {
		cfg.LogLevel = a.flags.logLevel
	}
	if changed("parallel") {
		cfg.Parallelism = a.flags.parallel
	}
	if changed("continue-on-error") {
		cfg.ContinueOnError = a.flags.continueOnError
	}
	if changed("pretty") {
		cfg.LogPretty = a.flags.pretty
	}
	if changed("batch-delay") {
		cfg.BatchDelay = a.flags.batchDelay
	}
}

// registry returns the built-in definitions plus those of the entities file.
func (a *app) registry() (*entity.Registry, error) {
	reg := entity.Builtins()
	if a.cfg.EntitiesFile != "" {
		if err := reg.LoadFile(a.cfg.EntitiesFile); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// newClient wires the token provider, rate tracker and executor. The
// returned func releases the Redis connection, if any.
func (a *app) newClient(ctx context.Context) (*client.Client, func(), error) {
	provider, err := auth.NewProvider(auth.Config{
		URL:    a.cfg.APIURL,
		Key:    a.cfg.APIKey,
		Secret: a.cfg.APISecret,
	}, nil)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	var store ratelimit.Store
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		store = ratelimit.NewRedisStore(rdb)
		cleanup = func() { rdb.Close() }
	}

	tracker := ratelimit.NewTracker(store, a.cfg.RateLimitBudget(), logging.NewLogger("ratelimit"))
	c, err := client.New(a.cfg.ClientConfig(), provider, tracker)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return c, cleanup, nil
}

func outputHeader(now time.Time) []string {
	return []string{
		"greyfinch-sync export",
		"created " + now.UTC().Format(time.RFC3339),
		"format: entity<TAB>id<TAB>marker<TAB>json",
	}
}

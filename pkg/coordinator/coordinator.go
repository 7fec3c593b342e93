// Package coordinator runs entity exporters in order or in parallel and
// summarizes their outcomes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/auth"
	"github.com/Sternrassler/greyfinch-sync/pkg/entity"
	"github.com/Sternrassler/greyfinch-sync/pkg/exporter"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Process exit codes.
const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitHalted = 2
)

// ErrNotStarted marks entities skipped because the run stopped early.
var ErrNotStarted = errors.New("not started: run stopped early")

// Runner exports one entity. *exporter.Exporter implements it.
type Runner interface {
	Entity() string
	Run(ctx context.Context) exporter.Result
}

// Sizer reports the output size for the summary. *sink.Sink implements it.
type Sizer interface {
	Size() (int64, error)
}

// Config controls a run.
type Config struct {
	// Parallelism <= 1 runs entities one after another.
	Parallelism int

	// ContinueOnError proceeds past failed or halted entities. An
	// authentication failure always aborts.
	ContinueOnError bool

	// RunID tags log lines; generated when empty.
	RunID string

	// Output, when set, adds the output size to the summary.
	Output Sizer
}

// Coordinator runs exporters.
type Coordinator struct {
	config Config
	logger zerolog.Logger
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Coordinator{
		config: cfg,
		logger: log.With().Str("component", "coordinator").Str("run_id", cfg.RunID).Logger(),
	}
}

// NewExporters builds one exporter per definition, all sharing exec and
// therefore one token provider and rate tracker.
func NewExporters(defs []*entity.Definition, exec exporter.Executor, store exporter.CheckpointStore, out exporter.Sink, opts exporter.Options) ([]Runner, error) {
	runners := make([]Runner, 0, len(defs))
	for _, def := range defs {
		e, err := exporter.New(def, exec, store, out, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", def.Name, err)
		}
		runners = append(runners, e)
	}
	return runners, nil
}

// Summary is the outcome of a run. Results keep the order of the runners.
type Summary struct {
	RunID      string
	Results    []exporter.Result
	Started    time.Time
	Finished   time.Time
	OutputSize int64
}

// ExitCode maps the outcomes to a process exit code: fatal failures win
// over halts.
func (s Summary) ExitCode() int {
	code := ExitOK
	for _, r := range s.Results {
		switch r.Outcome {
		case exporter.OutcomeFailed:
			return ExitFatal
		case exporter.OutcomeHalted:
			code = ExitHalted
		}
	}
	return code
}

// Err aggregates the per-entity errors, or returns nil.
func (s Summary) Err() error {
	var result *multierror.Error
	for _, r := range s.Results {
		if r.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.Entity, r.Err))
		}
	}
	return result.ErrorOrNil()
}

// Run executes the runners and logs a summary.
func (c *Coordinator) Run(ctx context.Context, runners []Runner) Summary {
	summary := Summary{
		RunID:   c.config.RunID,
		Results: make([]exporter.Result, len(runners)),
		Started: time.Now(),
	}

	c.logger.Info().
		Int("entities", len(runners)).
		Int("parallelism", max(c.config.Parallelism, 1)).
		Bool("continue_on_error", c.config.ContinueOnError).
		Msg("Starting run")

	if c.config.Parallelism <= 1 {
		c.runSequential(ctx, runners, summary.Results)
	} else {
		c.runParallel(ctx, runners, summary.Results)
	}

	summary.Finished = time.Now()
	if c.config.Output != nil {
		if size, err := c.config.Output.Size(); err == nil {
			summary.OutputSize = size
		} else {
			c.logger.Warn().Err(err).Msg("Failed to stat output")
		}
	}
	c.logSummary(summary)
	return summary
}

func (c *Coordinator) runSequential(ctx context.Context, runners []Runner, results []exporter.Result) {
	stopped := false
	for i, r := range runners {
		if stopped || ctx.Err() != nil {
			results[i] = notStarted(ctx, r)
			continue
		}
		results[i] = r.Run(ctx)
		if c.stops(results[i]) {
			stopped = true
		}
	}
}

// runParallel runs runners in independent workers. A stopping outcome
// cancels the others, which then halt with their checkpoints intact.
func (c *Coordinator) runParallel(ctx context.Context, runners []Runner, results []exporter.Result) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(c.config.Parallelism)
	for i, r := range runners {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = notStarted(ctx, r)
				return nil
			}
			results[i] = r.Run(ctx)
			if c.stops(results[i]) {
				cancel()
			}
			return nil
		})
	}
	// Workers report through results, never through the group.
	_ = g.Wait()
}

// stops reports whether res ends the run.
func (c *Coordinator) stops(res exporter.Result) bool {
	switch res.Outcome {
	case exporter.OutcomeCompleted, exporter.OutcomeSkipped:
		return false
	}
	if errors.Is(res.Err, auth.ErrAuth) {
		c.logger.Error().Err(res.Err).Str("entity", res.Entity).Msg("Authentication failed, aborting run")
		return true
	}
	if errors.Is(res.Err, context.Canceled) {
		return true
	}
	return !c.config.ContinueOnError
}

func notStarted(ctx context.Context, r Runner) exporter.Result {
	err := ErrNotStarted
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrNotStarted, ctx.Err())
	}
	return exporter.Result{Entity: r.Entity(), Outcome: exporter.OutcomeHalted, Err: err}
}

func (c *Coordinator) logSummary(s Summary) {
	halted := false
	for _, r := range s.Results {
		evt := c.logger.Info()
		switch r.Outcome {
		case exporter.OutcomeFailed:
			evt = c.logger.Error().Err(r.Err)
		case exporter.OutcomeHalted:
			evt = c.logger.Warn().Err(r.Err)
			halted = true
		}
		evt.Str("entity", r.Entity).
			Str("outcome", string(r.Outcome)).
			Int("offset", r.Checkpoint.LastOffset).
			Int("total", r.Checkpoint.TotalRecords).
			Int("new", r.New).
			Int("duplicates", r.Duplicates).
			Int("rejected", r.Rejected).
			Msg("Entity summary")
	}

	evt := c.logger.Info().
		Dur("elapsed", s.Finished.Sub(s.Started)).
		Int("exit_code", s.ExitCode())
	if s.OutputSize > 0 {
		evt = evt.Str("output_size", humanize.Bytes(uint64(s.OutputSize)))
	}
	evt.Msg("Run finished")

	if halted {
		c.logger.Info().Msg("Run halted; re-run the same command to resume from the saved checkpoints")
	}
}

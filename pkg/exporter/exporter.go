// Package exporter pages one entity out of the upstream API into the output
// sink, saving a checkpoint after every batch.
//
// Each run moves through Starting, then repeats FetchingBatch,
// Deduplicating, Persisting and CheckpointSaved until a short page ends the
// export (Completed), a transient failure outlives its retries (Halted), or
// a non-resumable error stops it (Failed). The checkpoint is the only state
// that outlives a run; the dedupe set is rebuilt from the output on start.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/checkpoint"
	"github.com/Sternrassler/greyfinch-sync/pkg/client"
	"github.com/Sternrassler/greyfinch-sync/pkg/entity"
	"github.com/Sternrassler/greyfinch-sync/pkg/ratelimit"
	"github.com/Sternrassler/greyfinch-sync/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_export_records_total",
		Help: "Total new records exported by entity",
	}, []string{"entity"})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_export_duplicates_total",
		Help: "Total records dropped as already exported by entity",
	}, []string{"entity"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_export_rejected_total",
		Help: "Total records rejected at parse time by entity",
	}, []string{"entity"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_export_batches_total",
		Help: "Total batches checkpointed by entity",
	}, []string{"entity"})
)

const (
	// PageSize is the batch size requested per page.
	PageSize = 20

	// DefaultBatchDelay is the pause between checkpointed batches.
	DefaultBatchDelay = 2 * time.Second

	// MinBatchDelay and MaxBatchDelay bound the configurable delay.
	MinBatchDelay = 1 * time.Second
	MaxBatchDelay = 5 * time.Second
)

// ErrFilterMismatch is returned when a checkpoint was written for a
// different date window than the one configured.
var ErrFilterMismatch = errors.New("checkpoint filter does not match configured window")

// Executor runs one GraphQL request. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error)
}

// CheckpointStore loads and saves checkpoints. *checkpoint.FileStore
// implements it.
type CheckpointStore interface {
	Load(entity string) (checkpoint.Checkpoint, error)
	Save(cp checkpoint.Checkpoint) error
}

// Sink receives exported lines. *sink.Sink implements it.
type Sink interface {
	Append(lines []sink.Line) error
	IDs(entity string) (map[string]struct{}, error)
}

// Options tune an export.
type Options struct {
	// PageSize defaults to PageSize.
	PageSize int

	// BatchDelay defaults to DefaultBatchDelay.
	BatchDelay time.Duration

	// Window restricts the export to a marker range. It requires a
	// definition that supports windows.
	Window entity.Window
}

// Exporter exports one entity.
type Exporter struct {
	def    *entity.Definition
	exec   Executor
	store  CheckpointStore
	sink   Sink
	opts   Options
	logger zerolog.Logger
	sleep  ratelimit.SleepFunc
}

// New creates an exporter for def.
func New(def *entity.Definition, exec Executor, store CheckpointStore, out Sink, opts Options) (*Exporter, error) {
	if def == nil {
		return nil, fmt.Errorf("entity definition is required")
	}
	if exec == nil || store == nil || out == nil {
		return nil, fmt.Errorf("executor, checkpoint store and sink are required")
	}
	if opts.PageSize == 0 {
		opts.PageSize = PageSize
	}
	if opts.PageSize < 0 {
		return nil, fmt.Errorf("page size must be positive (got %d)", opts.PageSize)
	}
	if opts.BatchDelay == 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if err := opts.Window.Validate(); err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	if !opts.Window.IsZero() && !def.SupportsWindow() {
		return nil, fmt.Errorf("entity %s does not support date windows", def.Name)
	}

	return &Exporter{
		def:    def,
		exec:   exec,
		store:  store,
		sink:   out,
		opts:   opts,
		logger: log.With().Str("component", "exporter").Str("entity", def.Name).Logger(),
		sleep:  ratelimit.Sleep,
	}, nil
}

// SetSleepFunc replaces the inter-batch wait (for testing).
func (e *Exporter) SetSleepFunc(fn ratelimit.SleepFunc) {
	e.sleep = fn
}

// Entity returns the exported entity name.
func (e *Exporter) Entity() string {
	return e.def.Name
}

// Run exports until the entity completes, halts or fails.
func (e *Exporter) Run(ctx context.Context) Result {
	st, err := e.start()
	if err != nil {
		return e.finish(st, OutcomeFailed, err)
	}
	if st.Checkpoint.Completed {
		e.logger.Info().
			Int("total", st.Checkpoint.TotalRecords).
			Msg("Already completed, skipping")
		return e.finish(st, OutcomeSkipped, nil)
	}

	for {
		st.Phase = PhaseFetchingBatch
		batch, err := e.fetch(ctx, st.Checkpoint.LastOffset)
		if err != nil {
			return e.stop(st, fmt.Errorf("fetch offset %d: %w", st.Checkpoint.LastOffset, err))
		}

		st.Phase = PhaseDeduplicating
		fresh := st.dedupe(batch.Records)
		st.Rejected += batch.Rejected
		duplicates := len(batch.Records) - len(fresh)
		st.Duplicates += duplicates
		duplicatesTotal.WithLabelValues(e.def.Name).Add(float64(duplicates))
		rejectedTotal.WithLabelValues(e.def.Name).Add(float64(batch.Rejected))

		st.Phase = PhasePersisting
		if err := e.sink.Append(e.lines(fresh)); err != nil {
			return e.finish(st, OutcomeFailed, fmt.Errorf("append batch at offset %d: %w", batch.Offset, err))
		}
		for _, r := range fresh {
			st.Seen.Add(r.ID)
		}

		st.Phase = PhaseCheckpointSaved
		next := st.Checkpoint
		next.LastOffset += e.opts.PageSize
		next.TotalRecords += len(fresh)
		for _, r := range fresh {
			next.ExtendMarkers(r.Marker)
		}
		next.Completed = !batch.Full()
		if err := e.store.Save(next); err != nil {
			return e.finish(st, OutcomeFailed, fmt.Errorf("save checkpoint at offset %d: %w", next.LastOffset, err))
		}
		st.Checkpoint = next
		st.Batches++
		st.New += len(fresh)
		recordsTotal.WithLabelValues(e.def.Name).Add(float64(len(fresh)))
		batchesTotal.WithLabelValues(e.def.Name).Inc()

		e.logger.Info().
			Int("offset", next.LastOffset).
			Int("new", len(fresh)).
			Int("duplicates", duplicates).
			Int("rejected", batch.Rejected).
			Int("total", next.TotalRecords).
			Str("first_marker", next.FirstMarker).
			Str("last_marker", next.LastMarker).
			Msg("Batch saved")

		if next.Completed {
			return e.finish(st, OutcomeCompleted, nil)
		}

		if err := e.sleep(ctx, e.opts.BatchDelay); err != nil {
			return e.stop(st, err)
		}
	}
}

// start loads the checkpoint and rebuilds the dedupe set from the output.
func (e *Exporter) start() (State, error) {
	st := State{Phase: PhaseStarting}
	filter := e.opts.Window.String()

	cp, err := e.store.Load(e.def.Name)
	switch {
	case errors.Is(err, checkpoint.ErrCorrupt):
		e.logger.Warn().Err(err).Msg("Checkpoint is corrupt, restarting from offset 0")
		cp = checkpoint.Checkpoint{EntityName: e.def.Name, Filter: filter}
	case err != nil:
		return st, fmt.Errorf("load checkpoint: %w", err)
	case cp.IsZero():
		cp.Filter = filter
	case cp.Filter != filter:
		st.Checkpoint = cp
		return st, fmt.Errorf("%w: checkpoint has %q, configured %q; reset the entity to change windows",
			ErrFilterMismatch, cp.Filter, filter)
	}
	st.Checkpoint = cp

	if cp.Completed {
		return st, nil
	}

	ids, err := e.sink.IDs(e.def.Name)
	if err != nil {
		return st, fmt.Errorf("scan output: %w", err)
	}
	st.Seen = DedupeSet(ids)

	if st.Checkpoint.TotalRecords != st.Seen.Len() {
		e.logger.Info().
			Int("checkpoint_total", st.Checkpoint.TotalRecords).
			Int("output_total", st.Seen.Len()).
			Msg("Reconciled record count with output")
		st.Checkpoint.TotalRecords = st.Seen.Len()
	}

	e.logger.Info().
		Int("offset", st.Checkpoint.LastOffset).
		Int("total", st.Checkpoint.TotalRecords).
		Str("filter", filter).
		Msg("Starting export")
	return st, nil
}

// fetch requests one page and parses its records. Records without an id
// are rejected and counted.
func (e *Exporter) fetch(ctx context.Context, offset int) (Batch, error) {
	batch := Batch{Offset: offset, Requested: e.opts.PageSize}

	data, err := e.exec.Execute(ctx, e.def.Query, e.def.Variables(e.opts.PageSize, offset, e.opts.Window))
	if err != nil {
		return batch, err
	}
	items, err := e.def.Page(data)
	if err != nil {
		return batch, err
	}
	batch.Received = len(items)

	for i, raw := range items {
		rec, err := e.def.Decode(raw)
		if err != nil {
			batch.Rejected++
			e.logger.Warn().
				Err(err).
				Int("offset", offset+i).
				Msg("Rejected record")
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func (e *Exporter) lines(recs []entity.Record) []sink.Line {
	out := make([]sink.Line, len(recs))
	for i, r := range recs {
		out[i] = sink.Line{Entity: e.def.Name, ID: r.ID, Marker: r.Marker, Payload: r.Payload}
	}
	return out
}

// stop ends a run with Halted for resumable errors and Failed otherwise.
func (e *Exporter) stop(st State, err error) Result {
	if Resumable(err) {
		return e.finish(st, OutcomeHalted, err)
	}
	return e.finish(st, OutcomeFailed, err)
}

func (e *Exporter) finish(st State, outcome Outcome, err error) Result {
	switch outcome {
	case OutcomeCompleted:
		st.Phase = PhaseCompleted
	case OutcomeSkipped:
		st.Phase = PhaseCompleted
	case OutcomeHalted:
		st.Phase = PhaseHalted
	default:
		st.Phase = PhaseFailed
	}

	res := Result{
		Entity:     e.def.Name,
		Outcome:    outcome,
		Checkpoint: st.Checkpoint,
		New:        st.New,
		Duplicates: st.Duplicates,
		Rejected:   st.Rejected,
		Batches:    st.Batches,
		Err:        err,
	}

	evt := e.logger.Info()
	if err != nil {
		evt = e.logger.Error().Err(err)
		if outcome == OutcomeHalted {
			evt = e.logger.Warn().Err(err)
		}
	}
	evt.Str("outcome", string(outcome)).
		Int("offset", st.Checkpoint.LastOffset).
		Int("total", st.Checkpoint.TotalRecords).
		Int("new", st.New).
		Msg("Export finished")
	return res
}

// Resumable reports whether err leaves the checkpoint valid for a later
// re-run: exhausted transient retries, network failures and cancellation.
func Resumable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, client.ErrRetryExhausted),
		errors.Is(err, client.ErrContextCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return client.ClassOf(err) == client.ErrorClassNetwork
	}
}

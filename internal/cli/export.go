package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/checkpoint"
	"github.com/Sternrassler/greyfinch-sync/pkg/coordinator"
	"github.com/Sternrassler/greyfinch-sync/pkg/exporter"
	"github.com/Sternrassler/greyfinch-sync/pkg/metrics"
	"github.com/Sternrassler/greyfinch-sync/pkg/sink"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [entity...]",
		Short: "Export entities, resuming from saved checkpoints",
		Long: `Export one or more entities into the output file. Without arguments every
known entity is exported in the default order.

Each batch is appended to the output before its checkpoint is saved. Running
the command again resumes every unfinished entity and skips completed ones.

Exit status is 0 when every entity completed, 2 when an entity halted on a
transient failure (re-run to resume) and 1 on fatal errors.

Examples:
  greyfinch-sync export
  greyfinch-sync export appointments patients --since 2024-01-01
  greyfinch-sync export --parallel 2 --continue-on-error`,
		RunE: a.runExport,
	}
}

func (a *app) runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg, err := a.registry()
	if err != nil {
		return err
	}
	defs, err := reg.Resolve(args)
	if err != nil {
		return err
	}

	c, cleanup, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := checkpoint.NewFileStore(a.cfg.CheckpointDir)
	if err != nil {
		return err
	}
	out, err := sink.Open(a.cfg.OutputFile, outputHeader(time.Now()))
	if err != nil {
		return err
	}
	defer out.Close()

	runners, err := coordinator.NewExporters(defs, c, store, out, a.cfg.ExportOptions())
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(a.cfg.MetricsAddr)
		if err != nil {
			return err
		}
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.Serve(mctx); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	summary := coordinator.New(coordinator.Config{
		Parallelism:     a.cfg.Parallelism,
		ContinueOnError: a.cfg.ContinueOnError,
		RunID:           a.runID,
		Output:          out,
	}).Run(ctx, runners)

	printSummary(cmd.OutOrStdout(), summary, out.Path())

	if code := summary.ExitCode(); code != coordinator.ExitOK {
		return &ExitError{Code: code, Err: summary.Err()}
	}
	return nil
}

func printSummary(w io.Writer, s coordinator.Summary, path string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tOUTCOME\tOFFSET\tTOTAL\tNEW\tDUPLICATES\tREJECTED")
	halted := false
	for _, r := range s.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.Entity, r.Outcome, r.Checkpoint.LastOffset, r.Checkpoint.TotalRecords,
			r.New, r.Duplicates, r.Rejected)
		if r.Outcome == exporter.OutcomeHalted {
			halted = true
		}
	}
	tw.Flush()

	fmt.Fprintf(w, "\nOutput: %s (%s), took %s\n", path,
		humanize.Bytes(uint64(max(s.OutputSize, 0))),
		s.Finished.Sub(s.Started).Round(time.Millisecond))
	if halted {
		fmt.Fprintln(w, "Halted entities resume automatically when the same command is run again.")
	}
}

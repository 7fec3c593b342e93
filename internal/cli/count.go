package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/Sternrassler/greyfinch-sync/pkg/exporter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (a *app) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count [entity...]",
		Short: "Count upstream records without exporting",
		Long: `Page through entities with large pages and print how many records the
upstream returns. Nothing is written and no checkpoint changes.

Examples:
  greyfinch-sync count
  greyfinch-sync count appointments --since 2024-01-01 --until 2024-07-01`,
		RunE: a.runCount,
	}
}

func (a *app) runCount(cmd *cobra.Command, args []string) error {
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

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tRECORDS")
	total := 0
	for _, def := range defs {
		n, err := exporter.Count(ctx, c, def, exporter.CountOptions{
			Delay:  a.cfg.BatchDelay,
			Window: a.cfg.Window(),
		})
		if err != nil {
			tw.Flush()
			return err
		}
		total += n
		fmt.Fprintf(tw, "%s\t%s\n", def.Name, humanize.Comma(int64(n)))
	}
	fmt.Fprintf(tw, "total\t%s\n", humanize.Comma(int64(total)))
	return tw.Flush()
}

package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/sink"
	"github.com/spf13/cobra"
)

func (a *app) combineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine <dst> <src...>",
		Short: "Merge export files without duplicates",
		Long: `Append to dst every record of the source files whose entity and id are not
already present. dst is created if missing and never truncated; torn or
invalid source lines are skipped and counted.

Examples:
  greyfinch-sync combine all.tsv run1.tsv run2.tsv`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sink.Combine(args[0], outputHeader(time.Now()), args[1:]...)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			names := make([]string, 0, len(res.Added))
			for name := range res.Added {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "added %d %s\n", res.Added[name], name)
			}
			fmt.Fprintf(w, "skipped %d duplicates, %d invalid lines\n", res.Duplicates, res.Invalid)
			return nil
		},
	}
}

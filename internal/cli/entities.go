package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *app) entitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List exportable entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMARKER\tWINDOW\tDESCRIPTION")
			for _, name := range reg.Names() {
				def, _ := reg.Lookup(name)
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", def.Name, orDash(def.MarkerField), def.SupportsWindow(), def.Description)
			}
			return tw.Flush()
		},
	}
}

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/Sternrassler/greyfinch-sync/pkg/checkpoint"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show saved checkpoints",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}
}

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	store, err := checkpoint.NewFileStore(a.cfg.CheckpointDir)
	if err != nil {
		return err
	}
	cps, corrupt, err := store.List()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(cps) == 0 && len(corrupt) == 0 {
		fmt.Fprintf(w, "No checkpoints in %s\n", store.Dir())
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTITY\tOFFSET\tTOTAL\tCOMPLETED\tRANGE\tFILTER\tUPDATED")
		for _, cp := range cps {
			updated := "-"
			if !cp.UpdatedAt.IsZero() {
				updated = humanize.Time(cp.UpdatedAt)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%v\t%s\t%s\t%s\n",
				cp.EntityName, cp.LastOffset, cp.TotalRecords, cp.Completed,
				markerRange(cp), orDash(cp.Filter), updated)
		}
		names := make([]string, 0, len(corrupt))
		for name := range corrupt {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(tw, "%s\tcorrupt: %v\t\t\t\t\t\n", name, corrupt[name])
		}
		tw.Flush()
	}

	info, err := os.Stat(a.cfg.OutputFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(w, "\nOutput: %s (not created yet)\n", a.cfg.OutputFile)
	case err != nil:
		return fmt.Errorf("stat output: %w", err)
	default:
		fmt.Fprintf(w, "\nOutput: %s (%s)\n", a.cfg.OutputFile, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func (a *app) resetCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset <entity...>",
		Short: "Delete checkpoints to force a clean restart",
		Long: `Delete the checkpoints of the given entities so the next export starts at
offset 0. The output file is left untouched; records already exported are
recognized on the next run and not written again.

Examples:
  greyfinch-sync reset appointments
  greyfinch-sync reset --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("name entities to reset or pass --all")
			}
			return a.runReset(cmd, args, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every checkpoint")
	return cmd
}

func (a *app) runReset(cmd *cobra.Command, args []string, all bool) error {
	store, err := checkpoint.NewFileStore(a.cfg.CheckpointDir)
	if err != nil {
		return err
	}

	var names []string
	if all {
		cps, corrupt, err := store.List()
		if err != nil {
			return err
		}
		for _, cp := range cps {
			names = append(names, cp.EntityName)
		}
		for name := range corrupt {
			names = append(names, name)
		}
		sort.Strings(names)
	} else {
		reg, err := a.registry()
		if err != nil {
			return err
		}
		for _, arg := range args {
			// Unknown names are reset verbatim so stale checkpoints of
			// removed definitions can be cleared.
			if def, err := reg.Lookup(arg); err == nil {
				arg = def.Name
			}
			names = append(names, arg)
		}
	}

	for _, name := range names {
		if err := store.Delete(name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", name)
	}
	return nil
}

func markerRange(cp checkpoint.Checkpoint) string {
	if cp.FirstMarker == "" && cp.LastMarker == "" {
		return "-"
	}
	return cp.FirstMarker + ".." + cp.LastMarker
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

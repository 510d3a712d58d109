package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/marketsync/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Actor string
	Store string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List stored snapshots",
		Long: `List the snapshots in the snapshot store: collection, actor, entity
count, cursor, schema version and when each was saved.

Examples:
  marketsync status
  marketsync status --actor u_123 --store sqlite://marketsync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "only list this actor's snapshots")
	cmd.Flags().StringVar(&opts.Store, "store", "", "snapshot store DSN (overrides config)")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Store != "" {
		cfg.Store.DSN = opts.Store
	}

	snapshots, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	infos, err := snapshots.ListSnapshots(cmd.Context(), opts.Actor)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}
	formatter.VerboseLog("Found %d snapshot(s) in %s", len(infos), cfg.Store.DSN)

	if formatter.IsJSON() {
		if infos == nil {
			infos = []store.SnapshotInfo{}
		}
		return formatter.Success(infos)
	}

	w := formatter.Writer
	if len(infos) == 0 {
		fmt.Fprintln(w, "No snapshots found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tACTOR\tENTITIES\tCURSOR\tSCHEMA\tSAVED AT")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			info.CollectionKey,
			info.ActorID,
			info.EntityCount,
			formatCursor(info.Cursor),
			info.SchemaVersion,
			formatCursor(&info.SavedAt),
		)
	}
	return tw.Flush()
}

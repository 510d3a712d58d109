package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/marketsync/internal/engine"
	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
)

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Actor      string
	Collection string
	Store      string
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard a stored snapshot",
		Long: `Delete the snapshot of one collection for one actor. The next sync of
that collection starts cold with a full pull.

Example:
  marketsync reset --actor u_123 --collection dashboard:listings`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor whose snapshot to discard (overrides config)")
	cmd.Flags().StringVar(&opts.Collection, "collection", "", "collection key, <scope>:<kind> (required)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "snapshot store DSN (overrides config)")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}

func runReset(opts *ResetOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, _, err := ir.ParseCollectionKey(opts.Collection); err != nil {
		return WrapExitError(ExitCommandError, "invalid collection", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Actor != "" {
		cfg.Actor = opts.Actor
	}
	if opts.Store != "" {
		cfg.Store.DSN = opts.Store
	}
	if cfg.Actor == "" {
		return NewExitError(ExitCommandError, "actor is required (--actor, config actor or MARKETSYNC_ACTOR)")
	}

	snapshots, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	bridge := engine.NewBridge(engine.Deps{
		ActorID:   cfg.Actor,
		Entities:  entitystore.New(opts.Collection),
		Snapshots: snapshots,
		Logger:    newLogger(opts.RootOptions, cmd.ErrOrStderr()),
	})
	if err := bridge.Discard(cmd.Context()); err != nil {
		return WrapExitError(ExitFailure, "failed to discard snapshot", err)
	}

	if formatter.IsJSON() {
		return formatter.Success(map[string]string{
			"collection": opts.Collection,
			"actor":      cfg.Actor,
		})
	}
	return formatter.Success(fmt.Sprintf("✓ snapshot of %s for %s discarded", opts.Collection, cfg.Actor))
}

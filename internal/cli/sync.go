package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/marketsync/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	SessionFlags
	Collection string
}

// CollectionSummary describes one primary collection after a sync.
type CollectionSummary struct {
	Collection string     `json:"collection"`
	Warm       bool       `json:"warm"`
	Entities   int        `json:"entities"`
	Cursor     *time.Time `json:"cursor,omitempty"`
}

// SyncResult is the output of the sync command.
type SyncResult struct {
	Actor       string              `json:"actor"`
	Collections []CollectionSummary `json:"collections"`
	Error       string              `json:"error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync once and print a summary",
		Long: `Start a session once: collections with a usable snapshot are loaded
from it and revalidated with an incremental merge, the others are pulled
in full. Prints one line per primary collection.

Exit codes:
  0 - Every collection synced
  1 - One or more collections failed to sync
  2 - Command error (config, store, catalog)

Examples:
  marketsync sync --actor u_123 --remote https://api.example.com
  marketsync sync --actor u_123 --collection dashboard:listings --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	opts.SessionFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Collection, "collection", "", "sync only this primary collection")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
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
	opts.SessionFlags.apply(&cfg)

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	session, snapshots, err := openSession(cfg, opts.Collection, logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()
	defer session.Close()

	startErr := session.Start(cmd.Context())
	session.Wait()

	result := SyncResult{Actor: session.ActorID(), Collections: summarize(session)}
	if startErr != nil {
		result.Error = startErr.Error()
	}

	if formatter.IsJSON() {
		if startErr != nil {
			if err := formatter.Error(ErrCodeSyncFailed, startErr.Error(), result); err != nil {
				return err
			}
		} else if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		printSummary(formatter.Writer, result)
	}

	if startErr != nil {
		return WrapExitError(ExitFailure, "sync failed", startErr)
	}
	return nil
}

// summarize reports every primary collection of the session in key order.
func summarize(session *engine.Session) []CollectionSummary {
	var out []CollectionSummary
	for _, key := range session.Keys() {
		col, err := session.Collection(key)
		if err != nil {
			continue
		}
		summary := CollectionSummary{
			Collection: key,
			Warm:       col.Warm,
			Entities:   col.Store.Len(),
		}
		if cursor, ok := col.Cursor.Get(); ok {
			summary.Cursor = &cursor
		}
		out = append(out, summary)
	}
	return out
}

func printSummary(w io.Writer, result SyncResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tSTART\tENTITIES\tCURSOR")
	for _, c := range result.Collections {
		start := "cold"
		if c.Warm {
			start = "warm"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Collection, start, c.Entities, formatCursor(c.Cursor))
	}
	tw.Flush()

	if result.Error != "" {
		fmt.Fprintf(w, "✗ sync failed: %s\n", result.Error)
		return
	}
	fmt.Fprintf(w, "✓ %d collection(s) synced for %s\n", len(result.Collections), result.Actor)
}

func formatCursor(c *time.Time) string {
	if c == nil {
		return "never"
	}
	return c.UTC().Format(time.RFC3339)
}

// syncCode maps an engine error to a CLI error code.
func syncCode(err error) string {
	var se *engine.SyncError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return ErrCodeGeneric
}

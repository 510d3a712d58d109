package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/marketsync/internal/catalog"
)

// CatalogEntry describes one validated collection.
type CatalogEntry struct {
	Key      string            `json:"key"`
	Role     string            `json:"role"`
	Required []string          `json:"required,omitempty"`
	Refs     map[string]string `json:"refs,omitempty"`
}

// CatalogValidationError is a failed catalog check.
type CatalogValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect collection catalogs",
	}
	cmd.AddCommand(newCatalogValidateCommand(rootOpts))
	return cmd
}

func newCatalogValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog-dir]",
		Short: "Compile a CUE catalog directory",
		Long: `Compile the CUE collection definitions in a directory and report the
collections they declare. Without a directory the built-in catalog is
checked.

Exit codes:
  0 - Catalog valid
  1 - Catalog invalid
  2 - Directory not found`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runCatalogValidate(rootOpts, dir, cmd)
		},
	}
}

func runCatalogValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var cat *catalog.Catalog
	if dir == "" {
		cat = catalog.Default()
	} else {
		if _, err := os.Stat(dir); err != nil {
			msg := fmt.Sprintf("catalog directory not found: %s", dir)
			if ferr := formatter.Error(ErrCodeNotFound, msg, nil); ferr != nil {
				return ferr
			}
			return NewExitError(ExitCommandError, ErrCodeNotFound+": "+msg)
		}
		formatter.VerboseLog("Loading catalog from %s", dir)

		loaded, err := catalog.LoadDir(dir)
		if err != nil {
			details := []CatalogValidationError{toValidationError(err)}
			if ferr := formatter.Error(ErrCodeCatalogInvalid, "catalog invalid", details); ferr != nil {
				return ferr
			}
			if !formatter.IsJSON() {
				fmt.Fprintf(formatter.Writer, "  %s\n", err)
			}
			return WrapExitError(ExitFailure, ErrCodeCatalogInvalid+": catalog invalid", err)
		}
		cat = loaded
	}

	entries := describe(cat)
	if formatter.IsJSON() {
		return formatter.Success(entries)
	}

	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tROLE\tREQUIRED\tREFS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Key, e.Role, strings.Join(e.Required, ","), formatRefs(e.Refs))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(formatter.Writer, "✓ Catalog valid (%d collections)\n", len(entries))
	return nil
}

func describe(cat *catalog.Catalog) []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(cat.Collections))
	for _, c := range cat.Collections {
		entries = append(entries, CatalogEntry{
			Key:      c.Key(),
			Role:     string(c.Role),
			Required: c.Required,
			Refs:     c.Refs,
		})
	}
	return entries
}

func toValidationError(err error) CatalogValidationError {
	var cerr *catalog.CompileError
	if errors.As(err, &cerr) {
		out := CatalogValidationError{Field: cerr.Field, Message: cerr.Message}
		if cerr.Pos.IsValid() {
			out.Line = cerr.Pos.Line()
		}
		return out
	}
	return CatalogValidationError{Field: "catalog", Message: err.Error()}
}

func formatRefs(refs map[string]string) string {
	if len(refs) == 0 {
		return "-"
	}
	fields := make([]string, 0, len(refs))
	for field := range refs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = field + "->" + refs[field]
	}
	return strings.Join(parts, ",")
}
